// Package pipeline defines the recorded form of a fluent chain: an ordered
// sequence of immutable Operations, each a callable plus arguments with one
// or more slots marked as "the piped value".
//
// Structural (content) equality governs cache reuse: two pipelines built
// independently but with equal operations carry equal fingerprints and
// therefore compile identically.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
)

// Kind classifies how a stage consumes the stream.
type Kind int

const (
	// KindMap transforms one item into one item and is a fusion candidate.
	KindMap Kind = iota
	// KindFilter keeps only items whose predicate holds. It changes
	// cardinality, cannot be expressed as a per-item expression, and is
	// therefore always a fusion boundary.
	KindFilter
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindFilter:
		return "filter"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Arg is one recorded argument slot of an Operation.
type Arg interface {
	arg()
}

// HoleArg marks "splice the upstream value here". Stateless.
type HoleArg struct{}

// LitArg is a literal value argument.
type LitArg struct {
	Val cty.Value
}

// ExprArg is a nested expression argument built through the combinator
// vocabulary; it may reference the upstream value through Param nodes.
type ExprArg struct {
	Node expr.Node
}

func (HoleArg) arg() {}
func (LitArg) arg()  {}
func (ExprArg) arg() {}

// Hole returns the placeholder argument.
func Hole() Arg { return HoleArg{} }

// Lit wraps a literal value argument.
func Lit(v cty.Value) Arg { return LitArg{Val: v} }

// Expr wraps a nested expression argument.
func Expr(n expr.Node) Arg { return ExprArg{Node: n} }

var anonSeq atomic.Uint64

// Callable is an immutable stage implementation. Its content identity
// (source text, declared name, or a last-resort monotonic id) feeds both
// pipeline fingerprints and symbol scope naming.
type Callable struct {
	name   string
	source string
	fn     function.Function
	anonID uint64
}

// Fused builds a callable that carries its own body text, written over the
// parameter x. Such callables are fusion candidates.
func Fused(source string, fn function.Function) Callable {
	return Callable{source: source, fn: fn}
}

// Opaque builds a named callable with no recoverable body. It is never
// fused; the name is its stable content identity.
func Opaque(name string, fn function.Function) Callable {
	return Callable{name: name, fn: fn}
}

// Anon builds a callable with neither source nor name. Its identity is a
// process-local monotonic id, so equal anonymous callables in independently
// built pipelines never share cache entries. This reduces cache efficiency
// but never breaks it.
func Anon(fn function.Function) Callable {
	return Callable{fn: fn, anonID: anonSeq.Add(1)}
}

// Name returns the declared name, if any.
func (c Callable) Name() string { return c.name }

// Source returns the reconstructable body text, if any.
func (c Callable) Source() string { return c.source }

// Fn returns the runtime implementation.
func (c Callable) Fn() function.Function { return c.fn }

// ContentID is the stable identity used for fingerprints and scope naming.
func (c Callable) ContentID() string {
	switch {
	case c.source != "":
		return "src\x00" + c.source
	case c.name != "":
		return "name\x00" + c.name
	default:
		return "anon\x00" + strconv.FormatUint(c.anonID, 10)
	}
}

// Operation is one recorded pipeline stage. Read-only after creation.
type Operation struct {
	kind     Kind
	callable Callable
	args     []Arg
	kwargs   map[string]Arg
}

// NewOperation records a stage. The argument slices and maps are copied so
// later mutation by the caller cannot reach the recorded form.
func NewOperation(kind Kind, c Callable, args []Arg, kwargs map[string]Arg) Operation {
	op := Operation{kind: kind, callable: c}
	if len(args) > 0 {
		op.args = make([]Arg, len(args))
		copy(op.args, args)
	}
	if len(kwargs) > 0 {
		op.kwargs = make(map[string]Arg, len(kwargs))
		for k, v := range kwargs {
			op.kwargs[k] = v
		}
	}
	return op
}

// Kind returns the stage classification.
func (o Operation) Kind() Kind { return o.kind }

// Callable returns the stage implementation.
func (o Operation) Callable() Callable { return o.callable }

// Args returns a copy of the positional argument slots.
func (o Operation) Args() []Arg {
	out := make([]Arg, len(o.args))
	copy(out, o.args)
	return out
}

// Kwarg returns the keyword argument bound to name.
func (o Operation) Kwarg(name string) (Arg, bool) {
	a, ok := o.kwargs[name]
	return a, ok
}

// KwargNames returns the keyword argument names in sorted order.
func (o Operation) KwargNames() []string {
	names := make([]string, 0, len(o.kwargs))
	for name := range o.kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o Operation) fingerprint(w io.Writer) {
	fmt.Fprintf(w, "op\x00%d\x00%s\x00", o.kind, o.callable.ContentID())
	for _, a := range o.args {
		fmt.Fprintf(w, "a\x00%s\x00", argFingerprint(a))
	}
	for _, name := range o.KwargNames() {
		fmt.Fprintf(w, "k\x00%s\x00%s\x00", name, argFingerprint(o.kwargs[name]))
	}
}

func argFingerprint(a Arg) string {
	switch v := a.(type) {
	case HoleArg:
		return "_"
	case LitArg:
		return "lit:" + v.Val.Type().FriendlyName() + ":" + expr.FormatValue(v.Val)
	case ExprArg:
		return "expr:" + expr.RenderString(v.Node)
	}
	return "?"
}

// Pipeline is an immutable ordered sequence of Operations. Appending
// returns a new Pipeline; the receiver is never modified.
type Pipeline struct {
	ops []Operation
}

// New returns an empty Pipeline.
func New() Pipeline {
	return Pipeline{}
}

// Of builds a Pipeline from recorded operations.
func Of(ops ...Operation) Pipeline {
	p := Pipeline{}
	for _, op := range ops {
		p = p.Append(op)
	}
	return p
}

// Append records one more stage.
func (p Pipeline) Append(op Operation) Pipeline {
	ops := make([]Operation, len(p.ops)+1)
	copy(ops, p.ops)
	ops[len(p.ops)] = op
	return Pipeline{ops: ops}
}

// Then appends a map stage whose single argument is the piped value.
func (p Pipeline) Then(c Callable) Pipeline {
	return p.Append(NewOperation(KindMap, c, []Arg{Hole()}, nil))
}

// Apply appends a map stage with an explicit argument list.
func (p Pipeline) Apply(c Callable, args ...Arg) Pipeline {
	return p.Append(NewOperation(KindMap, c, args, nil))
}

// ApplyKw appends a map stage with positional and keyword arguments.
func (p Pipeline) ApplyKw(c Callable, args []Arg, kwargs map[string]Arg) Pipeline {
	return p.Append(NewOperation(KindMap, c, args, kwargs))
}

// Where appends a filter stage whose predicate receives the piped value.
func (p Pipeline) Where(c Callable) Pipeline {
	return p.Append(NewOperation(KindFilter, c, []Arg{Hole()}, nil))
}

// Operations returns a copy of the recorded stages.
func (p Pipeline) Operations() []Operation {
	out := make([]Operation, len(p.ops))
	copy(out, p.ops)
	return out
}

// Len returns the number of recorded stages.
func (p Pipeline) Len() int {
	return len(p.ops)
}

// Fingerprint is the pipeline's content hash. Structurally equal pipelines
// produce equal fingerprints regardless of how they were built.
func (p Pipeline) Fingerprint() string {
	h := sha256.New()
	for _, op := range p.ops {
		op.fingerprint(h)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports structural (content) equality.
func (p Pipeline) Equal(other Pipeline) bool {
	return p.Fingerprint() == other.Fingerprint()
}
