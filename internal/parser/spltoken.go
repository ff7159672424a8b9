package parser

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// SPL token instruction tags.
const (
	splTransfer        byte = 3
	splTransferChecked byte = 12
)

// SPLToken decodes Transfer and TransferChecked instructions of the SPL token program.
// Raw holds the instruction data; Accounts holds the instruction's account keys in order.
type SPLToken struct {
	mint  *solana.PublicKey
	preds []Predicate
}

// TokenTransfer is the decoded form of a token transfer instruction.
type TokenTransfer struct {
	Instruction string `json:"instruction"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Owner       string `json:"owner"`
	Mint        string `json:"mint,omitempty"`
	Amount      uint64 `json:"amount"`
	Decimals    *uint8 `json:"decimals,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

func (t *TokenTransfer) args() map[string]any {
	m := map[string]any{
		"instruction": t.Instruction,
		"source":      t.Source,
		"destination": t.Destination,
		"owner":       t.Owner,
		"amount":      t.Amount,
	}
	if t.Mint != "" {
		m["mint"] = t.Mint
	}
	if t.Decimals != nil {
		m["decimals"] = *t.Decimals
	}
	return m
}

// NewSPLToken optionally restricts matches to checked transfers of mint.
func NewSPLToken(mint string, preds []Predicate) (*SPLToken, error) {
	p := &SPLToken{preds: preds}
	if mint != "" {
		key, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			return nil, err
		}
		p.mint = &key
	}
	return p, nil
}

func (p *SPLToken) Parse(u *model.Update) (any, error) {
	if u.Kind != model.KindInstruction || u.Program != solana.TokenProgramID.String() {
		return nil, pipeline.ErrFiltered
	}
	if len(u.Raw) == 0 {
		return nil, pipeline.Malformedf("empty instruction data")
	}

	var (
		tt       *TokenTransfer
		accounts []solana.PublicKey
		err      error
	)
	switch u.Raw[0] {
	case splTransfer:
		if len(u.Raw) < 9 {
			return nil, pipeline.Malformedf("transfer data is %d bytes", len(u.Raw))
		}
		if accounts, err = publicKeys(u.Accounts, 3); err != nil {
			return nil, err
		}
		tt = &TokenTransfer{
			Instruction: "transfer",
			Source:      accounts[0].String(),
			Destination: accounts[1].String(),
			Owner:       accounts[2].String(),
			Amount:      binary.LittleEndian.Uint64(u.Raw[1:9]),
		}
	case splTransferChecked:
		if len(u.Raw) < 10 {
			return nil, pipeline.Malformedf("transfer_checked data is %d bytes", len(u.Raw))
		}
		if accounts, err = publicKeys(u.Accounts, 4); err != nil {
			return nil, err
		}
		decimals := u.Raw[9]
		tt = &TokenTransfer{
			Instruction: "transfer_checked",
			Source:      accounts[0].String(),
			Mint:        accounts[1].String(),
			Destination: accounts[2].String(),
			Owner:       accounts[3].String(),
			Amount:      binary.LittleEndian.Uint64(u.Raw[1:9]),
			Decimals:    &decimals,
		}
	default:
		return nil, pipeline.ErrFiltered
	}

	if p.mint != nil && tt.Mint != p.mint.String() {
		return nil, pipeline.ErrFiltered
	}
	tt.Signature = u.Signature
	return filter(p.preds, tt.args(), tt)
}

func publicKeys(accounts []string, n int) ([]solana.PublicKey, error) {
	if len(accounts) < n {
		return nil, pipeline.Malformedf("instruction needs %d accounts, got %d", n, len(accounts))
	}
	out := make([]solana.PublicKey, n)
	for i := 0; i < n; i++ {
		key, err := solana.PublicKeyFromBase58(accounts[i])
		if err != nil {
			return nil, pipeline.Malformed("account "+accounts[i], err)
		}
		out[i] = key
	}
	return out, nil
}
