package pipeline

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/devblac/chainpipe/internal/model"
)

// Output is a decoded value plus the addressing needed to route it.
// Handlers must treat it as read-only.
type Output struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Key        string     `json:"key,omitempty"`
	Kind       model.Kind `json:"kind,omitempty"`
	Slot       uint64     `json:"slot"`
	Signature  string     `json:"signature,omitempty"`
	Source     string     `json:"source,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
	Value      any        `json:"value"`
}

func newOutput(p *Pipeline, u *model.Update, v any) *Output {
	return &Output{
		ID:         ulid.Make().String(),
		Pipeline:   p.id,
		Key:        p.key(u),
		Kind:       u.Kind,
		Slot:       u.Slot,
		Signature:  u.Signature,
		Source:     u.Source,
		ObservedAt: u.ObservedAt,
		Value:      v,
	}
}

// KeyFunc derives a routing key from an update.
type KeyFunc func(*model.Update) string

func ByProgram(u *model.Update) string   { return u.Program }
func BySignature(u *model.Update) string { return u.Signature }
func ByAccount(u *model.Update) string   { return u.FirstAccount() }

// ParseKeyFunc maps program, signature and account to a KeyFunc. Empty means program.
func ParseKeyFunc(name string) (KeyFunc, bool) {
	switch name {
	case "", "program":
		return ByProgram, true
	case "signature":
		return BySignature, true
	case "account":
		return ByAccount, true
	}
	return nil, false
}
