package publish

import (
	"context"
	"fmt"
	"sync/atomic"

	"herald/pkg/logging"
)

// DryRunClient satisfies Client without a platform credential: posts go to
// the log, the timeline is empty. Lets the whole pipeline run locally.
type DryRunClient struct {
	logger logging.Logger
	seq    atomic.Int64
}

func NewDryRunClient(logger logging.Logger) *DryRunClient {
	return &DryRunClient{logger: logger}
}

func (c *DryRunClient) CreatePost(ctx context.Context, text string) (Post, error) {
	id := fmt.Sprintf("dry-run-%d", c.seq.Add(1))
	c.logger.WithFields(logging.Fields{
		"post_id": id,
		"text":    text,
	}).Info("Dry run: would publish post")
	return Post{ID: id, Text: text}, nil
}

func (c *DryRunClient) RecentTimeline(ctx context.Context, limit int) ([]string, error) {
	return nil, nil
}
