// Package textnorm turns raw post text into the comparable forms the
// similarity pipeline works on: a lightly normalized string for exact-hash
// deduplication, a heavily normalized token stream for lexical comparison,
// and a 32-bit locality-sensitive signature for near-duplicate detection.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math/bits"
	"regexp"
	"strings"
	"unicode"
)

// ContentHashLen is the length in hex characters of a content hash. Short on
// purpose: it is a dedupe key, not a security primitive.
const ContentHashLen = 16

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	mentionPattern = regexp.MustCompile(`@\w+`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// Normalize applies the light normalization used for exact-duplicate
// hashing: trim, lowercase, collapse whitespace.
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return spacePattern.ReplaceAllString(text, " ")
}

// HeavyNormalize reduces text to its comparable skeleton: URLs and
// @-mentions removed, '#' markers dropped (tag word kept), punctuation and
// emoji stripped, and every token containing a digit collapsed to "#" so
// "811K" and "823K" compare equal.
func HeavyNormalize(text string) string {
	text = Normalize(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = mentionPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "#", "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for i, w := range words {
		if strings.ContainsFunc(w, unicode.IsDigit) {
			words[i] = "#"
		}
	}
	return strings.Join(words, " ")
}

// Tokens returns the heavily normalized word tokens of text.
func Tokens(text string) []string {
	return strings.Fields(HeavyNormalize(text))
}

// Bigrams returns adjacent token pairs of the heavily normalized text.
func Bigrams(text string) []string {
	tokens := Tokens(text)
	if len(tokens) < 2 {
		return nil
	}
	out := make([]string, 0, len(tokens)-1)
	for i := 0; i < len(tokens)-1; i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// ContentHash returns the exact-duplicate key for text: a sha256 digest of
// the lightly normalized form, truncated to ContentHashLen hex characters.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])[:ContentHashLen]
}

// Signature computes a 32-bit simhash over the unigram and bigram features
// of the heavily normalized text. Hamming distance between two signatures
// approximates structural closeness even under paraphrasing or number
// changes.
func Signature(text string) uint32 {
	features := Tokens(text)
	features = append(features, Bigrams(text)...)

	var acc [32]int
	for _, f := range features {
		h := fnv.New64a()
		_, _ = h.Write([]byte(f))
		sum := h.Sum64()
		for bit := 0; bit < 32; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				acc[bit]++
			} else {
				acc[bit]--
			}
		}
	}

	var sig uint32
	for bit := 0; bit < 32; bit++ {
		if acc[bit] > 0 {
			sig |= 1 << uint(bit)
		}
	}
	return sig
}

// HammingDistance counts differing bits between two signatures.
func HammingDistance(a, b uint32) int {
	return bits.OnesCount32(a ^ b)
}

// Truncate cuts text to at most limit runes, appending a single ellipsis
// marker when anything was removed. Multi-codepoint glyphs are never split.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}
