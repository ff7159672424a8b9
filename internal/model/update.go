package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind classifies an Update by the chain object it describes.
type Kind uint8

const (
	KindAccount Kind = iota + 1
	KindInstruction
	KindTransaction
	KindBlockMeta
)

var kindNames = map[Kind]string{
	KindAccount:     "account",
	KindInstruction: "instruction",
	KindTransaction: "transaction",
	KindBlockMeta:   "block_meta",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a textual kind to its value.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "account", "account_state":
		return KindAccount, nil
	case "instruction":
		return KindInstruction, nil
	case "transaction", "tx":
		return KindTransaction, nil
	case "block_meta", "block", "block_metadata":
		return KindBlockMeta, nil
	}
	return 0, fmt.Errorf("unknown update kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown update kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Update is the canonical event envelope produced by a source.
// It is immutable once built and shared read-only by every pipeline.
type Update struct {
	Kind       Kind       `json:"kind"`
	Slot       uint64     `json:"slot"`
	ObservedAt time.Time  `json:"observed_at"`
	EventTime  *time.Time `json:"event_time,omitempty"`
	Raw        []byte     `json:"raw,omitempty"`
	Accounts   []string   `json:"accounts,omitempty"`
	Program    string     `json:"program,omitempty"`
	Signature  string     `json:"signature,omitempty"`
	Source     string     `json:"source,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (u *Update) Validate() error {
	if u == nil {
		return fmt.Errorf("nil update")
	}
	if _, ok := kindNames[u.Kind]; !ok {
		return fmt.Errorf("update slot %d: unknown kind %d", u.Slot, uint8(u.Kind))
	}
	return nil
}

// HasAccount reports whether id appears in the update's account list.
func (u *Update) HasAccount(id string) bool {
	return slices.Contains(u.Accounts, id)
}

// FirstAccount returns the leading account or "" when none are present.
func (u *Update) FirstAccount() string {
	if len(u.Accounts) == 0 {
		return ""
	}
	return u.Accounts[0]
}
