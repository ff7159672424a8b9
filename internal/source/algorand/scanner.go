// Package algorand polls an algod node round by round and emits one update per transaction.
package algorand

import (
	"bytes"
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	msgpack "github.com/algorand/go-codec/codec"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/source"
	"github.com/devblac/chainpipe/internal/storage"
)

// Chain identifier for Algorand.
const Chain = "algorand"

// ErrReorgDetected signals that the chain rewound; the scanner resumes from the rewound cursor.
var ErrReorgDetected = errors.New("reorg detected")

// statusGetter models the algod Status() fluent call.
type statusGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error)
}

// blockGetter models the algod BlockRaw() fluent call.
type blockGetter interface {
	Do(ctx context.Context, headers ...*common.Header) ([]byte, error)
}

type blockHashGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.BlockHashResponse, error)
}

// AlgodClient is the minimal subset of the algod client we need.
type AlgodClient interface {
	Status() statusGetter
	BlockRaw(round uint64) blockGetter
	GetBlockHash(round uint64) blockHashGetter
}

// NewAlgodClient constructs a real algod client.
func NewAlgodClient(url, token string) (AlgodClient, error) {
	cli, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, err
	}
	return &clientAdapter{c: cli}, nil
}

type clientAdapter struct {
	c *algod.Client
}

func (a *clientAdapter) Status() statusGetter { return a.c.Status() }
func (a *clientAdapter) BlockRaw(round uint64) blockGetter {
	return a.c.BlockRaw(round)
}
func (a *clientAdapter) GetBlockHash(round uint64) blockHashGetter {
	return a.c.GetBlockHash(round)
}

// Cursors persists the last processed round.
type Cursors interface {
	GetCursor(ctx context.Context, sourceID string) (uint64, string, bool, error)
	UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error
}

var _ Cursors = (*storage.Store)(nil)

// Scanner processes Algorand rounds with confirmation safety.
type Scanner struct {
	client        AlgodClient
	cursors       Cursors
	sourceID      string
	startRound    string
	confirmations uint64
	interval      time.Duration
	log           *slog.Logger
}

// NewScanner builds a scanner for an Algorand source.
func NewScanner(client AlgodClient, cursors Cursors, src config.Source, log *slog.Logger) (*Scanner, error) {
	if client == nil || cursors == nil {
		return nil, errors.New("algorand scanner needs a client and a cursor store")
	}
	interval, err := config.Duration(src.PollInterval, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("poll_interval: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		client:        client,
		cursors:       cursors,
		sourceID:      src.ID,
		startRound:    src.StartRound,
		confirmations: src.Confirmations,
		interval:      interval,
		log:           log,
	}, nil
}

func (s *Scanner) Name() string { return s.sourceID }

// Connect returns a stream over successive rounds. The scanner is stateless between
// connections; the stored cursor is the resume point.
func (s *Scanner) Connect(ctx context.Context) (engine.Stream, error) {
	if _, err := s.client.Status().Do(ctx); err != nil {
		return nil, fmt.Errorf("algod status: %w", err)
	}
	return source.NewPollStream(s.step, s.interval), nil
}

// Ping checks algod reachability.
func (s *Scanner) Ping(ctx context.Context) error {
	_, err := s.client.Status().Do(ctx)
	return err
}

func (s *Scanner) step(ctx context.Context) ([]*model.Update, error) {
	updates, err := s.ProcessNext(ctx)
	if errors.Is(err, ErrReorgDetected) {
		s.log.Warn("reorg detected, cursor rewound", "source", s.sourceID)
		return nil, nil
	}
	return updates, err
}

// ProcessNext handles the next eligible round (respecting confirmations) and returns its updates.
// On success advances the cursor. On reorg returns ErrReorgDetected after rewinding.
func (s *Scanner) ProcessNext(ctx context.Context) ([]*model.Update, error) {
	curRound, curHash, hasCursor, err := s.cursors.GetCursor(ctx, s.sourceID)
	if err != nil {
		return nil, err
	}

	status, err := s.client.Status().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest status: %w", err)
	}
	safe := status.LastRound
	if s.confirmations > 0 {
		if safe < s.confirmations {
			return nil, nil
		}
		safe -= s.confirmations
	}

	target := curRound + 1
	if !hasCursor {
		start, err := resolveStartRound(s.startRound, safe)
		if err != nil {
			return nil, err
		}
		target = start
	}

	if target > safe {
		return nil, nil
	}

	raw, err := s.client.BlockRaw(target).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", target, err)
	}
	var block sdk.Block
	if err := decodeMsgpack(raw, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}

	if hasCursor {
		prev := digestToString(block.BlockHeader.Branch[:])
		if prev != curHash {
			rewindTo := uint64(0)
			if target > 0 {
				rewindTo = target - 1
			}
			_ = s.cursors.UpsertCursor(ctx, s.sourceID, rewindTo, prev)
			return nil, ErrReorgDetected
		}
	}

	hashResp, err := s.client.GetBlockHash(target).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("block hash %d: %w", target, err)
	}

	updates, err := s.extract(target, hashResp.Blockhash, block)
	if err != nil {
		return nil, err
	}
	if err := s.cursors.UpsertCursor(ctx, s.sourceID, target, hashResp.Blockhash); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *Scanner) extract(round uint64, blockHash string, block sdk.Block) ([]*model.Update, error) {
	observed := time.Now()
	var eventTime *time.Time
	if block.TimeStamp > 0 {
		ts := time.Unix(block.TimeStamp, 0).UTC()
		eventTime = &ts
	}

	out := make([]*model.Update, 0, len(block.Payset)+1)
	for _, stib := range block.Payset {
		stxn := stib.SignedTxnWithAD
		tx := stxn.SignedTxn.Txn
		raw, err := EncodeTxn(stxn)
		if err != nil {
			return nil, fmt.Errorf("encode txn: %w", err)
		}
		u := &model.Update{
			Kind:       model.KindTransaction,
			Slot:       round,
			ObservedAt: observed,
			EventTime:  eventTime,
			Raw:        raw,
			Accounts:   txnAccounts(tx),
			Signature:  crypto.TransactionIDString(tx),
			Source:     s.sourceID,
		}
		if tx.ApplicationID != 0 {
			u.Program = strconv.FormatUint(uint64(tx.ApplicationID), 10)
		}
		out = append(out, u)
	}

	meta, err := codec.Marshal(map[string]any{
		"chain":     Chain,
		"round":     round,
		"hash":      blockHash,
		"txn_count": len(block.Payset),
	})
	if err != nil {
		return nil, err
	}
	out = append(out, &model.Update{
		Kind:       model.KindBlockMeta,
		Slot:       round,
		ObservedAt: observed,
		EventTime:  eventTime,
		Raw:        meta,
		Signature:  blockHash,
		Source:     s.sourceID,
	})
	return out, nil
}

// txnAccounts lists every distinct non-zero address a transaction touches, sender first.
func txnAccounts(tx sdk.Transaction) []string {
	candidates := []sdk.Address{tx.Sender, tx.Receiver, tx.AssetSender, tx.AssetReceiver, tx.AssetCloseTo, tx.CloseRemainderTo}
	candidates = append(candidates, tx.Accounts...)

	seen := map[sdk.Address]struct{}{}
	out := make([]string, 0, len(candidates))
	for _, a := range candidates {
		if a == (sdk.Address{}) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a.String())
	}
	return out
}

func resolveStartRound(start string, safe uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_round %q: %w", start, err)
		}
		if n > safe {
			return 0, nil
		}
		return safe - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_round %q: %w", start, err)
	}
	return n, nil
}

func digestToString(b []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}

// EncodeTxn is the msgpack form carried in Update.Raw.
func EncodeTxn(stxn sdk.SignedTxnWithAD) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf, &msgpack.MsgpackHandle{}).Encode(stxn); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTxn reverses EncodeTxn.
func DecodeTxn(raw []byte) (sdk.SignedTxnWithAD, error) {
	var stxn sdk.SignedTxnWithAD
	if len(raw) == 0 {
		return stxn, errors.New("empty transaction payload")
	}
	err := decodeMsgpack(raw, &stxn)
	return stxn, err
}

func decodeMsgpack(raw []byte, dest any) error {
	dec := msgpack.NewDecoderBytes(raw, &msgpack.MsgpackHandle{})
	return dec.Decode(dest)
}
