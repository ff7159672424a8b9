package parser

import (
	"encoding/base64"
	"fmt"
	"strings"

	sdk "github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/source/algorand"
)

const (
	TxnAppCall       = "app_call"
	TxnAssetTransfer = "asset_transfer"
)

// AlgorandTxn decodes msgpack SignedTxnWithAD updates produced by the algorand source.
type AlgorandTxn struct {
	kind    string
	appID   uint64
	assetID uint64
	preds   []Predicate
}

// AlgorandEvent is the decoded form of a matching transaction.
type AlgorandEvent struct {
	Name   string         `json:"name"`
	TxID   string         `json:"txid"`
	Round  uint64         `json:"round"`
	Sender string         `json:"sender"`
	AppID  uint64         `json:"app_id,omitempty"`
	Args   map[string]any `json:"args"`
}

// NewAlgorandTxn accepts app calls to appID, asset transfers of assetID, or both when kind is empty.
func NewAlgorandTxn(kind string, appID, assetID uint64, preds []Predicate) (*AlgorandTxn, error) {
	kind = strings.ToLower(kind)
	switch kind {
	case "", TxnAssetTransfer:
	case TxnAppCall:
		if appID == 0 {
			return nil, fmt.Errorf("app_id required for app_call")
		}
	default:
		return nil, fmt.Errorf("unsupported algorand txn type %q", kind)
	}
	return &AlgorandTxn{kind: kind, appID: appID, assetID: assetID, preds: preds}, nil
}

func (p *AlgorandTxn) Parse(u *model.Update) (any, error) {
	if u.Kind != model.KindTransaction {
		return nil, pipeline.ErrFiltered
	}
	stxn, err := algorand.DecodeTxn(u.Raw)
	if err != nil {
		return nil, pipeline.Malformed("decode algorand txn", err)
	}
	tx := stxn.SignedTxn.Txn
	apply := stxn.ApplyData

	var ev *AlgorandEvent
	switch {
	case tx.Type == sdk.ApplicationCallTx && (p.kind == "" || p.kind == TxnAppCall):
		if p.appID != 0 && uint64(tx.ApplicationID) != p.appID {
			return nil, pipeline.ErrFiltered
		}
		args := map[string]any{
			"sender":           tx.Sender.String(),
			"on_completion":    uint64(tx.OnCompletion),
			"app_id":           uint64(tx.ApplicationID),
			"foreign_apps":     toAppUint64s(tx.ForeignApps),
			"foreign_assets":   toAssetUint64s(tx.ForeignAssets),
			"accounts":         toStrings(tx.Accounts),
			"application_args": encodeArgs(tx.ApplicationArgs),
		}
		if apply.ApplicationID != 0 {
			args["inner_app_id"] = apply.ApplicationID
		}
		ev = &AlgorandEvent{Name: TxnAppCall, AppID: uint64(tx.ApplicationID), Args: args}

	case tx.Type == sdk.AssetTransferTx && (p.kind == "" || p.kind == TxnAssetTransfer):
		if p.assetID != 0 && uint64(tx.XferAsset) != p.assetID {
			return nil, pipeline.ErrFiltered
		}
		args := map[string]any{
			"asset_id":       uint64(tx.XferAsset),
			"amount":         tx.AssetAmount,
			"sender":         tx.Sender.String(),
			"asset_sender":   tx.AssetSender.String(),
			"receiver":       tx.AssetReceiver.String(),
			"close_to":       tx.AssetCloseTo.String(),
			"close_amount":   apply.AssetClosingAmount,
			"closing_reward": uint64(apply.CloseRewards),
		}
		ev = &AlgorandEvent{Name: TxnAssetTransfer, Args: args}

	default:
		return nil, pipeline.ErrFiltered
	}

	ev.TxID = u.Signature
	ev.Round = u.Slot
	ev.Sender = tx.Sender.String()
	return filter(p.preds, ev.Args, ev)
}

func toAssetUint64s(in []sdk.AssetIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toAppUint64s(in []sdk.AppIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toStrings(addrs []sdk.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func encodeArgs(args [][]byte) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, base64.StdEncoding.EncodeToString(a))
	}
	return out
}
