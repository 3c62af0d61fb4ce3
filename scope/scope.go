// Package scope implements the symbol scope: a deterministic name→value
// table for values that cannot be fused into an expression tree.
//
// Names are derived from a content hash over the value's canonical
// representation (JSON encoding for values, source text or declared name for
// callables), so structurally identical inputs always yield the same name.
// Anonymous callables fall back to identity-derived naming, which reduces
// cross-pipeline cache reuse but never correctness.
//
// A Scope is exclusively owned by one in-progress compilation and is not
// safe for concurrent mutation; ownership transfers into the resulting
// CompiledFunction, after which the scope is only read.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ErrNameCollision reports a name mapped to two different contents. Given
// content-hash naming this should be impossible; observing it is an internal
// invariant violation and propagates to the caller.
var ErrNameCollision = errors.New("symbol scope name collision")

// Kind discriminates scope entry contents.
type Kind int

const (
	// KindValue is an opaque data value.
	KindValue Kind = iota
	// KindFunc is a callable.
	KindFunc
)

// Entry is one named slot of a Scope.
type Entry struct {
	Kind  Kind
	Value cty.Value
	Fn    function.Function
	// Source is the callable's own reconstructable body text, when it has
	// one. The native backend inlines such entries as locally-typed
	// functions instead of binding them generically at load time.
	Source string

	basis string
}

// Scope is a deterministic name→value table.
type Scope struct {
	entries map[string]Entry
}

// New creates an empty Scope.
func New() *Scope {
	return &Scope{entries: make(map[string]Entry)}
}

// RegisterValue adds a data value and returns its deterministic name.
// Registering an identical value again returns the same name.
func (s *Scope) RegisterValue(v cty.Value) (string, error) {
	basis := valueBasis(v)
	name := "sym_" + shortHash("val\x00"+basis)
	return s.insert(name, Entry{Kind: KindValue, Value: v, basis: basis})
}

// RegisterFunc adds a callable under a name derived from its content
// identity. source may be empty for opaque callables.
func (s *Scope) RegisterFunc(contentID, source string, fn function.Function) (string, error) {
	name := "fn_" + shortHash("fn\x00"+contentID)
	return s.insert(name, Entry{Kind: KindFunc, Fn: fn, Source: source, basis: contentID})
}

// RegisterNamedFunc adds a builtin callable under its own name, e.g. "round".
// Builtin names are stable by construction, so the name is used verbatim.
func (s *Scope) RegisterNamedFunc(name string, fn function.Function) (string, error) {
	return s.insert(name, Entry{Kind: KindFunc, Fn: fn, basis: "builtin\x00" + name})
}

// Lookup resolves a name this Scope produced. It reports false only for
// names the Scope never issued.
func (s *Scope) Lookup(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Names returns all registered names in sorted order.
func (s *Scope) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered names.
func (s *Scope) Len() int {
	return len(s.entries)
}

func (s *Scope) insert(name string, e Entry) (string, error) {
	if prev, ok := s.entries[name]; ok {
		if prev.basis != e.basis {
			return "", fmt.Errorf("%w: %q maps to two distinct contents", ErrNameCollision, name)
		}
		return name, nil
	}
	s.entries[name] = e
	return name, nil
}

// valueBasis produces the canonical content text a value's name is hashed
// from. Values without a JSON encoding degrade to their GoString, which is
// deterministic within a process but not content-addressed.
func valueBasis(v cty.Value) string {
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return "go\x00" + v.GoString()
	}
	return v.Type().FriendlyName() + "\x00" + string(b)
}

func shortHash(basis string) string {
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])[:8]
}
