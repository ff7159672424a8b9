// Package evm polls an EVM node block by block and emits one update per log.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/source"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

// ErrReorgDetected signals that the chain rewound; the scanner resumes from the rewound cursor.
var ErrReorgDetected = errors.New("reorg detected")

// BlockClient captures the subset of ethclient used by the scanner.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Cursors persists the last processed block.
type Cursors interface {
	GetCursor(ctx context.Context, sourceID string) (uint64, string, bool, error)
	UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error
}

// Scanner processes blocks sequentially with confirmation safety.
type Scanner struct {
	client        BlockClient
	cursors       Cursors
	sourceID      string
	startBlock    string
	confirmations uint64
	addresses     []common.Address
	interval      time.Duration
	log           *slog.Logger
}

// NewScanner builds a scanner for src. An empty contracts list scans every log.
func NewScanner(client BlockClient, cursors Cursors, src config.Source, log *slog.Logger) (*Scanner, error) {
	if client == nil || cursors == nil {
		return nil, errors.New("evm scanner needs a client and a cursor store")
	}
	interval, err := config.Duration(src.PollInterval, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("poll_interval: %w", err)
	}
	addrSet := map[common.Address]struct{}{}
	addresses := make([]common.Address, 0, len(src.Contracts))
	for _, c := range src.Contracts {
		if !common.IsHexAddress(c) {
			return nil, fmt.Errorf("invalid contract address %q", c)
		}
		a := common.HexToAddress(c)
		if _, ok := addrSet[a]; ok {
			continue
		}
		addrSet[a] = struct{}{}
		addresses = append(addresses, a)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		client:        client,
		cursors:       cursors,
		sourceID:      src.ID,
		startBlock:    src.StartBlock,
		confirmations: src.Confirmations,
		addresses:     addresses,
		interval:      interval,
		log:           log,
	}, nil
}

func (s *Scanner) Name() string { return s.sourceID }

// Connect returns a stream over successive blocks, resuming from the stored cursor.
func (s *Scanner) Connect(ctx context.Context) (engine.Stream, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return source.NewPollStream(s.step, s.interval), nil
}

// Ping fetches the latest header.
func (s *Scanner) Ping(ctx context.Context) error {
	if _, err := s.client.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	return nil
}

func (s *Scanner) step(ctx context.Context) ([]*model.Update, error) {
	updates, err := s.ProcessNext(ctx)
	if errors.Is(err, ErrReorgDetected) {
		s.log.Warn("reorg detected, cursor rewound", "source", s.sourceID)
		return nil, nil
	}
	return updates, err
}

// ProcessNext handles the next eligible block (respecting confirmations) and returns its updates.
// It advances the cursor on success. If a reorg is detected, ErrReorgDetected is returned after rewinding.
func (s *Scanner) ProcessNext(ctx context.Context) ([]*model.Update, error) {
	curHeight, curHash, hasCursor, err := s.cursors.GetCursor(ctx, s.sourceID)
	if err != nil {
		return nil, err
	}

	latest, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	safeHeight := latest.Number.Uint64()
	if s.confirmations > 0 {
		if s.confirmations > safeHeight {
			return nil, nil
		}
		safeHeight -= s.confirmations
	}

	target := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(s.startBlock, safeHeight)
		if err != nil {
			return nil, err
		}
		target = start
	}

	if target > safeHeight {
		return nil, nil
	}

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(target))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", target, err)
	}

	if hasCursor && header.ParentHash.Hex() != curHash {
		rewindTo := uint64(0)
		if target > 0 {
			rewindTo = target - 1
		}
		_ = s.cursors.UpsertCursor(ctx, s.sourceID, rewindTo, header.ParentHash.Hex())
		return nil, ErrReorgDetected
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(target),
		ToBlock:   new(big.Int).SetUint64(target),
		Addresses: s.addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	updates, err := s.extract(target, header, logs)
	if err != nil {
		return nil, err
	}
	if err := s.cursors.UpsertCursor(ctx, s.sourceID, target, header.Hash().Hex()); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *Scanner) extract(height uint64, header *types.Header, logs []types.Log) ([]*model.Update, error) {
	observed := time.Now()
	blockTime := time.Unix(int64(header.Time), 0).UTC()

	out := make([]*model.Update, 0, len(logs)+1)
	for i := range logs {
		lg := logs[i]
		raw, err := lg.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode log: %w", err)
		}
		out = append(out, &model.Update{
			Kind:       model.KindInstruction,
			Slot:       height,
			ObservedAt: observed,
			EventTime:  &blockTime,
			Raw:        raw,
			Accounts:   logAccounts(lg),
			Program:    lg.Address.Hex(),
			Signature:  lg.TxHash.Hex(),
			Source:     s.sourceID,
		})
	}

	hash := header.Hash().Hex()
	meta, err := codec.Marshal(map[string]any{
		"chain":       Chain,
		"number":      height,
		"hash":        hash,
		"parent_hash": header.ParentHash.Hex(),
		"log_count":   len(logs),
	})
	if err != nil {
		return nil, err
	}
	out = append(out, &model.Update{
		Kind:       model.KindBlockMeta,
		Slot:       height,
		ObservedAt: observed,
		EventTime:  &blockTime,
		Raw:        meta,
		Signature:  hash,
		Source:     s.sourceID,
	})
	return out, nil
}

// logAccounts returns the indexed topics that hold a left-padded address.
func logAccounts(lg types.Log) []string {
	var out []string
	if len(lg.Topics) < 2 {
		return out
	}
	for _, topic := range lg.Topics[1:] {
		addr := common.BytesToAddress(topic.Bytes())
		if addr == (common.Address{}) || addr.Hash() != topic {
			continue
		}
		out = append(out, addr.Hex())
	}
	return out
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
