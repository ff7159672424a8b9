package algorand

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	msgpack "github.com/algorand/go-codec/codec"

	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/storage"
)

type fakeStatus struct {
	resp models.NodeStatus
	err  error
}

func (f fakeStatus) Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error) {
	return f.resp, f.err
}

type fakeBlock struct {
	raw []byte
	err error
}

func (f fakeBlock) Do(ctx context.Context, headers ...*common.Header) ([]byte, error) {
	return f.raw, f.err
}

type fakeBlockHash struct {
	resp models.BlockHashResponse
	err  error
}

func (f fakeBlockHash) Do(ctx context.Context, headers ...*common.Header) (models.BlockHashResponse, error) {
	return f.resp, f.err
}

type fakeAlgod struct {
	status      fakeStatus
	blocks      map[uint64][]byte
	blockHashes map[uint64]string
}

func (f *fakeAlgod) Status() statusGetter {
	return f.status
}

func (f *fakeAlgod) BlockRaw(round uint64) blockGetter {
	raw, ok := f.blocks[round]
	if !ok {
		return fakeBlock{err: errors.New("no such round")}
	}
	return fakeBlock{raw: raw}
}

func (f *fakeAlgod) GetBlockHash(round uint64) blockHashGetter {
	h := f.blockHashes[round]
	if h == "" {
		h = "hash"
	}
	return fakeBlockHash{resp: models.BlockHashResponse{Blockhash: h}}
}

func encodeBlock(t *testing.T, b sdk.Block) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf, &msgpack.MsgpackHandle{}).Encode(b); err != nil {
		t.Fatalf("encode block: %v", err)
	}
	return buf.Bytes()
}

func appCallBlock() sdk.Block {
	return sdk.Block{
		BlockHeader: sdk.BlockHeader{
			Round:     1,
			TimeStamp: 1_700_000_000,
		},
		Payset: []sdk.SignedTxnInBlock{
			{
				SignedTxnWithAD: sdk.SignedTxnWithAD{
					SignedTxn: sdk.SignedTxn{
						Txn: sdk.Transaction{
							Type: sdk.ApplicationCallTx,
							Header: sdk.Header{
								Sender: addr("SENDER"),
							},
							ApplicationFields: sdk.ApplicationFields{
								ApplicationCallTxnFields: sdk.ApplicationCallTxnFields{
									ApplicationID: 123,
									OnCompletion:  sdk.NoOpOC,
									Accounts:      []sdk.Address{addr("ACCOUNT"), addr("SENDER")},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestScannerProcessesRound(t *testing.T) {
	store := newTestStore(t)
	client := &fakeAlgod{
		status:      fakeStatus{resp: models.NodeStatus{LastRound: 1}},
		blocks:      map[uint64][]byte{1: encodeBlock(t, appCallBlock())},
		blockHashes: map[uint64]string{1: "hash1"},
	}

	scanner, err := NewScanner(client, store, config.Source{ID: "algo", Type: "algorand", StartRound: "1"}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	updates, err := scanner.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected txn + block meta, got %d", len(updates))
	}
	txn := updates[0]
	if txn.Kind != model.KindTransaction || txn.Slot != 1 || txn.Program != "123" {
		t.Fatalf("unexpected txn update: %+v", txn)
	}
	if len(txn.Accounts) != 2 || txn.Accounts[0] != addr("SENDER").String() {
		t.Fatalf("accounts not deduplicated sender-first: %v", txn.Accounts)
	}
	if txn.EventTime == nil || txn.EventTime.Unix() != 1_700_000_000 {
		t.Fatalf("event time not set")
	}
	decoded, err := DecodeTxn(txn.Raw)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if decoded.SignedTxn.Txn.ApplicationID != 123 {
		t.Fatalf("raw does not round trip")
	}
	if updates[1].Kind != model.KindBlockMeta || updates[1].Signature != "hash1" {
		t.Fatalf("unexpected block meta: %+v", updates[1])
	}

	h, _, ok, err := store.GetCursor(context.Background(), "algo")
	if err != nil || !ok || h != 1 {
		t.Fatalf("cursor not advanced: h=%d ok=%v err=%v", h, ok, err)
	}
}

func TestScannerRespectsConfirmations(t *testing.T) {
	store := newTestStore(t)
	client := &fakeAlgod{status: fakeStatus{resp: models.NodeStatus{LastRound: 3}}}
	scanner, err := NewScanner(client, store, config.Source{ID: "algo", StartRound: "2", Confirmations: 2}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	updates, err := scanner.ProcessNext(context.Background())
	if err != nil || len(updates) != 0 {
		t.Fatalf("expected nothing before confirmations, got %d err=%v", len(updates), err)
	}
}

func TestScannerReorgDetection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertCursor(ctx, "algo", 1, "prevhash"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	block := sdk.Block{BlockHeader: sdk.BlockHeader{Round: 2}}
	client := &fakeAlgod{
		status: fakeStatus{resp: models.NodeStatus{LastRound: 2}},
		blocks: map[uint64][]byte{2: encodeBlock(t, block)},
	}

	scanner, err := NewScanner(client, store, config.Source{ID: "algo", Type: "algorand", StartRound: "1"}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	if _, err = scanner.ProcessNext(ctx); !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg err, got %v", err)
	}
	h, _, _, _ := store.GetCursor(ctx, "algo")
	if h != 1 {
		t.Fatalf("cursor should be rewound to 1, got %d", h)
	}
}

func TestStreamRecv(t *testing.T) {
	store := newTestStore(t)
	client := &fakeAlgod{
		status: fakeStatus{resp: models.NodeStatus{LastRound: 1}},
		blocks: map[uint64][]byte{1: encodeBlock(t, appCallBlock())},
	}
	scanner, err := NewScanner(client, store, config.Source{ID: "algo", StartRound: "1", PollInterval: "10ms"}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	ctx := context.Background()
	stream, err := scanner.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()

	u, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if u.Kind != model.KindTransaction {
		t.Fatalf("expected transaction first, got %s", u.Kind)
	}
	if err := scanner.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestConnectFailsWhenAlgodDown(t *testing.T) {
	client := &fakeAlgod{status: fakeStatus{err: errors.New("connection refused")}}
	scanner, err := NewScanner(client, newTestStore(t), config.Source{ID: "algo"}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	if _, err := scanner.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
}

func addr(label string) sdk.Address {
	var a sdk.Address
	copy(a[:], []byte(label))
	return a
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/db.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
