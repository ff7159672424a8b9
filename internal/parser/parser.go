// Package parser holds the decoders a pipeline can be configured with.
package parser

import (
	"fmt"
	"strings"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

const (
	TypeRaw         = "raw"
	TypeJSON        = "json"
	TypeEVMLog      = "evm_log"
	TypeAlgorandTxn = "algorand_txn"
	TypeSPLToken    = "spl_token"
)

// Build constructs the parser described by spec.
func Build(spec config.ParserSpec) (pipeline.Parser, error) {
	preds, err := CompilePredicates(spec.Where)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(spec.Type) {
	case TypeRaw:
		if len(preds) > 0 {
			return nil, fmt.Errorf("raw parser does not support where")
		}
		return Raw{}, nil
	case TypeJSON:
		return &JSON{preds: preds}, nil
	case TypeEVMLog:
		abis, err := LoadABIs(spec.ABIDirs)
		if err != nil {
			return nil, err
		}
		return NewEVMLog(spec.Contract, spec.Event, abis, preds)
	case TypeAlgorandTxn:
		return NewAlgorandTxn(spec.TxnType, spec.AppID, spec.AssetID, preds)
	case TypeSPLToken:
		return NewSPLToken(spec.Mint, preds)
	}
	return nil, fmt.Errorf("unsupported parser type %q", spec.Type)
}

// Raw passes the update through unchanged.
type Raw struct{}

func (Raw) Parse(u *model.Update) (any, error) {
	return u, nil
}

// JSON decodes Raw as a JSON object and applies where predicates to it.
type JSON struct {
	preds []Predicate
}

// NewJSON compiles where into a JSON parser.
func NewJSON(where []string) (*JSON, error) {
	preds, err := CompilePredicates(where)
	if err != nil {
		return nil, err
	}
	return &JSON{preds: preds}, nil
}

func (p *JSON) Parse(u *model.Update) (any, error) {
	if len(u.Raw) == 0 {
		return nil, pipeline.Malformedf("empty payload")
	}
	var obj map[string]any
	if err := codec.Unmarshal(u.Raw, &obj); err != nil {
		return nil, pipeline.Malformed("decode json", err)
	}
	if obj == nil {
		return nil, pipeline.Malformedf("payload is not an object")
	}
	return filter(p.preds, obj, obj)
}

// filter returns value when args satisfy every predicate and ErrFiltered otherwise.
func filter(preds []Predicate, args map[string]any, value any) (any, error) {
	ok, err := matchAll(preds, args)
	if err != nil {
		return nil, pipeline.Malformed("evaluate where", err)
	}
	if !ok {
		return nil, pipeline.ErrFiltered
	}
	return value, nil
}
