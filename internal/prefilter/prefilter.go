package prefilter

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/devblac/chainpipe/internal/model"
)

// Set is an unordered collection of identifiers.
type Set map[string]struct{}

// NewSet builds a set, skipping blank entries.
func NewSet(ids ...string) Set {
	if len(ids) == 0 {
		return nil
	}
	s := make(Set, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
	if len(s) == 0 {
		return nil
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in sorted order.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prefilter is a cheap routing predicate over an update's addressing metadata.
type Prefilter struct {
	AccountsInclude  Set
	AccountsRequired Set
	AccountsExclude  Set
	ProgramIDs       Set
}

// New builds a Prefilter from plain lists.
func New(include, required, exclude, programs []string) Prefilter {
	return Prefilter{
		AccountsInclude:  NewSet(include...),
		AccountsRequired: NewSet(required...),
		AccountsExclude:  NewSet(exclude...),
		ProgramIDs:       NewSet(programs...),
	}
}

// IsEmpty reports whether no set is populated.
func (p Prefilter) IsEmpty() bool {
	return len(p.AccountsInclude) == 0 && len(p.AccountsRequired) == 0 &&
		len(p.AccountsExclude) == 0 && len(p.ProgramIDs) == 0
}

// Matches evaluates p against u. Exclusion always wins; an empty filter matches everything.
func Matches(p Prefilter, u *model.Update) bool {
	if u == nil {
		return false
	}
	if p.IsEmpty() {
		return true
	}
	if len(p.ProgramIDs) > 0 && !p.ProgramIDs.Has(u.Program) {
		return false
	}

	included := len(p.AccountsInclude) == 0
	var found map[string]struct{}
	if len(p.AccountsRequired) > 0 {
		found = make(map[string]struct{}, len(p.AccountsRequired))
	}
	for _, acct := range u.Accounts {
		if p.AccountsExclude.Has(acct) {
			return false
		}
		if !included && p.AccountsInclude.Has(acct) {
			included = true
		}
		if found != nil && p.AccountsRequired.Has(acct) {
			found[acct] = struct{}{}
		}
	}
	if !included {
		return false
	}
	return len(found) == len(p.AccountsRequired)
}

// Spec is the wire form of a Prefilter used by config and the filter API.
type Spec struct {
	AccountsInclude  []string `yaml:"accounts_include" json:"accounts_include,omitempty"`
	AccountsRequired []string `yaml:"accounts_required" json:"accounts_required,omitempty"`
	AccountsExclude  []string `yaml:"accounts_exclude" json:"accounts_exclude,omitempty"`
	ProgramIDs       []string `yaml:"program_ids" json:"program_ids,omitempty"`
}

// Build converts the wire form.
func (s Spec) Build() Prefilter {
	return New(s.AccountsInclude, s.AccountsRequired, s.AccountsExclude, s.ProgramIDs)
}

// Spec returns the wire form of p.
func (p Prefilter) Spec() Spec {
	return Spec{
		AccountsInclude:  p.AccountsInclude.Slice(),
		AccountsRequired: p.AccountsRequired.Slice(),
		AccountsExclude:  p.AccountsExclude.Slice(),
		ProgramIDs:       p.ProgramIDs.Slice(),
	}
}

// Live holds a Prefilter that can be replaced while workers read it.
type Live struct {
	cur atomic.Pointer[Prefilter]
}

// NewLive stores p as the initial value.
func NewLive(p Prefilter) *Live {
	l := &Live{}
	l.cur.Store(&p)
	return l
}

// Load returns the current filter. A nil Live behaves as an empty filter.
func (l *Live) Load() Prefilter {
	if l == nil {
		return Prefilter{}
	}
	if p := l.cur.Load(); p != nil {
		return *p
	}
	return Prefilter{}
}

// Store swaps in p for subsequent evaluations.
func (l *Live) Store(p Prefilter) {
	l.cur.Store(&p)
}

// Matches evaluates the current filter.
func (l *Live) Matches(u *model.Update) bool {
	return Matches(l.Load(), u)
}
