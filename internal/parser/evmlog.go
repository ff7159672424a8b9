package parser

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// EVMLog decodes one JSON-encoded log into its ABI event arguments.
type EVMLog struct {
	address *common.Address
	topic0  common.Hash
	name    string
	event   *abi.Event
	preds   []Predicate
}

// EVMEvent is the decoded form of a matching log.
type EVMEvent struct {
	Contract string         `json:"contract"`
	Event    string         `json:"event"`
	Block    uint64         `json:"block"`
	TxHash   string         `json:"tx_hash"`
	LogIndex uint           `json:"log_index"`
	Args     map[string]any `json:"args"`
}

// NewEVMLog builds a parser for signature, e.g. "Transfer(address,address,uint256)".
// contract may be empty to accept the event from any address.
func NewEVMLog(contract, signature string, abis map[string]*abi.ABI, preds []Predicate) (*EVMLog, error) {
	if signature == "" {
		return nil, fmt.Errorf("event signature is required")
	}
	name := eventName(signature)
	var ev *abi.Event
	if found, ok := FindEvent(abis, name); ok {
		ev = found
	} else if synthetic, err := syntheticEvent(signature); err == nil {
		ev = synthetic
	} else {
		return nil, fmt.Errorf("event %s: not in loaded abis and %w", name, err)
	}

	topic := crypto.Keccak256Hash([]byte(signature))
	if !strings.Contains(signature, "(") {
		topic = ev.ID
	}

	p := &EVMLog{topic0: topic, name: name, event: ev, preds: preds}
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("invalid contract address %q", contract)
		}
		addr := common.HexToAddress(contract)
		p.address = &addr
	}
	return p, nil
}

func (p *EVMLog) Parse(u *model.Update) (any, error) {
	if len(u.Raw) == 0 {
		return nil, pipeline.Malformedf("empty log payload")
	}
	var lg types.Log
	if err := lg.UnmarshalJSON(u.Raw); err != nil {
		return nil, pipeline.Malformed("decode log", err)
	}
	if p.address != nil && lg.Address != *p.address {
		return nil, pipeline.ErrFiltered
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != p.topic0 {
		return nil, pipeline.ErrFiltered
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(p.event.Inputs)
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, pipeline.Malformed("parse topics", err)
		}
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return nil, pipeline.Malformed("unpack data", err)
	}

	ev := &EVMEvent{
		Contract: lg.Address.Hex(),
		Event:    p.name,
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash.Hex(),
		LogIndex: lg.Index,
		Args:     args,
	}
	return filter(p.preds, args, ev)
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return signature[:i]
	}
	return signature
}

// syntheticEvent builds a minimal ABI Event from a signature like Transfer(address,address,uint256).
// Indexed fields are not inferred; all arguments are treated as non-indexed and named arg0..argN.
func syntheticEvent(signature string) (*abi.Event, error) {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := signature[:l]
	rawArgs := strings.Split(signature[l+1:r], ",")
	args := make(abi.Arguments, 0, len(rawArgs))
	for i, a := range rawArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		t, err := abi.NewType(a, "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", a, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: t})
	}
	return &abi.Event{
		Name:   name,
		Inputs: args,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
