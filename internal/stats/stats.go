// Package stats reads protocol figures straight from the chain: tokens
// locked in the vault, liquid token supply, peg and yield from the read
// contract. Every field degrades independently so a flaky RPC never takes
// the whole snapshot down.
package stats

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"herald/pkg/cache"
	"herald/pkg/clients"
	"herald/pkg/config"
	"herald/pkg/logging"
)

// Snapshot is one point-in-time read of the protocol. Fields that could not
// be read are NaN; consumers must check Valid before trusting it.
type Snapshot struct {
	TotalLocked    float64   // protocol tokens locked in the vault
	TotalValue     float64   // locked amount priced in USD, derived
	MintedSupply   float64   // liquid token total supply
	SecondaryPrice float64   // protocol token USD price
	Peg            float64   // liquid/native price ratio, 1.0 is par
	APY            float64   // staking yield, percent
	FetchedAt      time.Time
}

// Valid reports whether the snapshot is trustworthy enough to quote.
// TotalLocked is the anchor figure: without it nothing else means much.
func (s Snapshot) Valid() bool {
	return !math.IsNaN(s.TotalLocked) && s.TotalLocked > 0
}

// Config locates the contracts. Addresses left empty disable their fields.
type Config struct {
	RPCURL     string
	TokenAddr  string // protocol ERC-20, balanceOf(vault) = totalLocked
	LiquidAddr string // liquid staking ERC-20, totalSupply()
	VaultAddr  string
	ReadAddr   string // aggregate read contract: peg + apy views
	Decimals   int
	TTL        time.Duration
}

// LoadConfig reads the chain configuration from the environment.
func LoadConfig() Config {
	return Config{
		RPCURL:     config.GetEnv("CHAIN_RPC_URL", ""),
		TokenAddr:  config.GetEnv("CHAIN_TOKEN_ADDRESS", ""),
		LiquidAddr: config.GetEnv("CHAIN_LIQUID_TOKEN_ADDRESS", ""),
		VaultAddr:  config.GetEnv("CHAIN_VAULT_ADDRESS", ""),
		ReadAddr:   config.GetEnv("CHAIN_READ_CONTRACT_ADDRESS", ""),
		Decimals:   config.GetEnvInt("CHAIN_TOKEN_DECIMALS", 18),
		TTL:        config.GetEnvDuration("STATS_CACHE_TTL", 10*time.Minute),
	}
}

// Contract view selectors, first four bytes of the keccak of the signature.
var (
	selBalanceOf   = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selTotalSupply = crypto.Keccak256([]byte("totalSupply()"))[:4]
	selPrice       = crypto.Keccak256([]byte("tokenPrice()"))[:4]
	selPeg         = crypto.Keccak256([]byte("pegRatio()"))[:4]
	selAPY         = crypto.Keccak256([]byte("currentAPY()"))[:4]
)

// ContractCaller is the slice of ethclient the source needs. Narrow so
// tests can substitute a scripted chain.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Source reads snapshots from the chain with a TTL cache in front.
type Source struct {
	cfg    Config
	client ContractCaller
	cache  *cache.Cache
	logger logging.Logger
}

// NewSource dials the RPC endpoint. An empty RPC URL returns a source with
// no client; snapshots are then entirely NaN and Ping reports failure.
func NewSource(cfg Config, logger logging.Logger) (*Source, error) {
	s := &Source{
		cfg:    cfg,
		logger: logger,
		cache: cache.New(cache.Options{
			TTL:                  cfg.TTL,
			StaleWhileRevalidate: cfg.TTL / 2,
			MaxEntries:           4,
		}, cache.MetricsHooks{}),
	}
	if cfg.RPCURL == "" {
		logger.Warn("No chain RPC URL configured, stats disabled")
		return s, nil
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	s.client = client
	return s, nil
}

// NewSourceWithClient wires a caller directly, for tests.
func NewSourceWithClient(cfg Config, client ContractCaller, logger logging.Logger) *Source {
	return &Source{
		cfg:    cfg,
		client: client,
		logger: logger,
		cache: cache.New(cache.Options{
			TTL:                  cfg.TTL,
			StaleWhileRevalidate: cfg.TTL / 2,
			MaxEntries:           4,
		}, cache.MetricsHooks{}),
	}
}

// Ping confirms the RPC endpoint is reachable.
func (s *Source) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("chain client not configured")
	}
	_, err := s.client.BlockNumber(ctx)
	return err
}

// Snapshot returns the current protocol figures, served from cache inside
// the TTL. Failures of individual reads surface as NaN fields, never as an
// error: an invalid snapshot is the caller's signal.
func (s *Source) Snapshot(ctx context.Context) Snapshot {
	val, ok, err := s.cache.Get(ctx, "snapshot", func(ctx context.Context, _ string) (interface{}, bool, error) {
		snap := s.read(ctx)
		if !snap.Valid() {
			// Do not cache a broken snapshot; next caller retries.
			return nil, false, fmt.Errorf("snapshot invalid")
		}
		return snap, true, nil
	})
	if err != nil || !ok {
		return Snapshot{
			TotalLocked:    math.NaN(),
			TotalValue:     math.NaN(),
			MintedSupply:   math.NaN(),
			SecondaryPrice: math.NaN(),
			Peg:            math.NaN(),
			APY:            math.NaN(),
			FetchedAt:      time.Now().UTC(),
		}
	}
	return val.(Snapshot)
}

func (s *Source) read(ctx context.Context) Snapshot {
	snap := Snapshot{
		TotalLocked:    math.NaN(),
		TotalValue:     math.NaN(),
		MintedSupply:   math.NaN(),
		SecondaryPrice: math.NaN(),
		Peg:            math.NaN(),
		APY:            math.NaN(),
		FetchedAt:      time.Now().UTC(),
	}
	if s.client == nil {
		return snap
	}

	if s.cfg.TokenAddr != "" && s.cfg.VaultAddr != "" {
		data := append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(common.HexToAddress(s.cfg.VaultAddr).Bytes(), 32)...)
		if v, err := s.callScaled(ctx, s.cfg.TokenAddr, data, s.cfg.Decimals); err != nil {
			s.logger.WithError(err).Warn("Failed to read total locked")
		} else {
			snap.TotalLocked = v
		}
	}

	if s.cfg.LiquidAddr != "" {
		if v, err := s.callScaled(ctx, s.cfg.LiquidAddr, selTotalSupply, s.cfg.Decimals); err != nil {
			s.logger.WithError(err).Warn("Failed to read minted supply")
		} else {
			snap.MintedSupply = v
		}
	}

	if s.cfg.ReadAddr != "" {
		if v, err := s.callScaled(ctx, s.cfg.ReadAddr, selPrice, 18); err != nil {
			s.logger.WithError(err).Warn("Failed to read token price")
		} else {
			snap.SecondaryPrice = v
		}
		if v, err := s.callScaled(ctx, s.cfg.ReadAddr, selPeg, 18); err != nil {
			s.logger.WithError(err).Warn("Failed to read peg ratio")
		} else {
			snap.Peg = v
		}
		if v, err := s.callScaled(ctx, s.cfg.ReadAddr, selAPY, 2); err != nil {
			s.logger.WithError(err).Warn("Failed to read apy")
		} else {
			snap.APY = v
		}
	}

	// NaN propagates: the derived figure is only as good as its inputs.
	snap.TotalValue = snap.TotalLocked * snap.SecondaryPrice

	return snap
}

// callScaled performs an eth_call returning a uint256 and scales it down by
// decimals. The call itself is retried; RPC nodes drop requests routinely.
func (s *Source) callScaled(ctx context.Context, addr string, data []byte, decimals int) (float64, error) {
	to := common.HexToAddress(addr)
	raw, err := clients.RetryValue(ctx, func(ctx context.Context) ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	}, nil, 3, 500*time.Millisecond)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty call result from %s", addr)
	}

	value := new(big.Int).SetBytes(raw)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(value), scale).Float64()
	return out, nil
}

// FormatCompact renders a figure the way posts quote it: "1.23M", "456K",
// or plain digits below a thousand. NaN renders as "n/a".
func FormatCompact(v float64) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case v >= 1_000_000:
		return trimZeros(fmt.Sprintf("%.2f", v/1_000_000)) + "M"
	case v >= 1_000:
		return trimZeros(fmt.Sprintf("%.0f", v/1_000)) + "K"
	default:
		return trimZeros(fmt.Sprintf("%.2f", v))
	}
}

// trimZeros drops trailing fraction zeros: "1.20" -> "1.2", "5.00" -> "5".
// Strings without a decimal point pass through untouched.
func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
