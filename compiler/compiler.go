// Package compiler synthesizes a single function from a recorded pipeline:
// it folds the stages into one expression tree, fuses the stages that carry
// their own body text, and materializes the tree through the interpreter
// backend, optionally swapping in a native entry point when the native
// backend succeeds. Compilation always yields a working function; only its
// speed is ever at risk.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/internal/ctxlog"
	"github.com/vk/fusegen/native"
	"github.com/vk/fusegen/pipeline"
	"github.com/vk/fusegen/scope"
)

// ErrSequenceStage reports a pipeline holding a sequence-level stage, which
// cannot be expressed as one per-item function. Compile such pipelines with
// CompileProgram instead.
var ErrSequenceStage = errors.New("pipeline contains a sequence-level stage")

// EntryFunc is a compiled per-item entry point.
type EntryFunc func(cty.Value) (cty.Value, error)

// CompiledFunction is the immutable result of compiling one pipeline
// content. It owns the symbol scope its synthesized source references.
type CompiledFunction struct {
	key        string
	source     string
	scope      *scope.Scope
	paramType  cty.Type
	returnType cty.Type
	entry      EntryFunc
	native     bool
}

// Key returns the content hash the function is cached under.
func (f *CompiledFunction) Key() string { return f.key }

// Source returns the synthesized source text of the per-item expression.
func (f *CompiledFunction) Source() string { return f.source }

// Scope returns the symbol scope the source references.
func (f *CompiledFunction) Scope() *scope.Scope { return f.scope }

// ParamType returns the declared parameter type.
func (f *CompiledFunction) ParamType() cty.Type { return f.paramType }

// ReturnType returns the inferred return type.
func (f *CompiledFunction) ReturnType() cty.Type { return f.returnType }

// Entry returns the bare entry point for embedding in production code paths.
func (f *CompiledFunction) Entry() EntryFunc { return f.entry }

// Native reports whether the entry point came from the native backend.
func (f *CompiledFunction) Native() bool { return f.native }

// Call applies the compiled function to one item.
func (f *CompiledFunction) Call(x cty.Value) (cty.Value, error) {
	return f.entry(x)
}

// Render returns a human-readable rendering of the synthesized function for
// introspection.
func (f *CompiledFunction) Render() string {
	return expr.ParamName + " -> " + f.source
}

// Options configures a Compiler.
type Options struct {
	// Registry supplies the builtin callables stage expressions may invoke.
	// Nil selects funcs.Default().
	Registry *funcs.Registry
	// Native enables the ahead-of-time compilation path. Nil keeps
	// compilation interpreter-only.
	Native *native.Backend
}

// Compiler turns recorded pipelines into CompiledFunctions. It is safe for
// concurrent use; see table for the same-key compilation contract.
type Compiler struct {
	reg    *funcs.Registry
	native *native.Backend
	table  table
}

// New creates a Compiler.
func New(opts Options) *Compiler {
	reg := opts.Registry
	if reg == nil {
		reg = funcs.Default()
	}
	return &Compiler{reg: reg, native: opts.Native}
}

// Compile synthesizes one function equivalent to applying the pipeline's
// operations in order. The pipeline must consist of per-item stages only.
// The caller blocks until the function is produced, including any native
// build subprocess; no cancellation is exposed beyond ctx.
func (c *Compiler) Compile(ctx context.Context, p pipeline.Pipeline, paramType cty.Type) (*CompiledFunction, error) {
	logger := ctxlog.FromContext(ctx)

	for _, op := range p.Operations() {
		if op.Kind() != pipeline.KindMap {
			return nil, fmt.Errorf("%w: %s stage; use CompileProgram", ErrSequenceStage, op.Kind())
		}
	}
	if paramType == cty.NilType {
		paramType = cty.DynamicPseudoType
	}

	key := contentKey(p, paramType)
	if f, ok := c.table.load(key); ok {
		logger.Debug("compiled function cache hit", "key", key)
		return f, nil
	}

	node, sc, err := assemble(p, c.reg)
	if err != nil {
		return nil, err
	}
	source := expr.RenderString(node)

	tracker := NewTracker(paramType)
	for _, op := range p.Operations() {
		tracker.ObserveCall(op.Callable().Fn(), pipedSlot(op))
	}
	returnType := tracker.Current()

	entry, err := materialize(node, sc)
	if err != nil {
		return nil, fmt.Errorf("materialize synthesized function: %w", err)
	}

	f := &CompiledFunction{
		key:        key,
		source:     source,
		scope:      sc,
		paramType:  paramType,
		returnType: returnType,
		entry:      entry,
	}

	if c.native != nil {
		nativeEntry, nerr := c.native.Compile(ctx, node, sc, paramType, returnType)
		switch {
		case nerr == nil:
			f.entry = EntryFunc(nativeEntry)
			f.native = true
		case errors.Is(nerr, native.ErrUnsupported):
			logger.Debug("tree outside native subset, using interpreter", "key", key)
		default:
			logger.Warn("native compilation failed, using interpreter", "key", key, "error", nerr)
		}
	}

	c.table.store(key, f)
	logger.Debug("pipeline compiled", "key", key, "source", source, "native", f.native)
	return f, nil
}

// contentKey derives the in-memory cache key from pipeline content and the
// declared parameter type.
func contentKey(p pipeline.Pipeline, paramType cty.Type) string {
	sum := sha256.Sum256([]byte(p.Fingerprint() + "\x00" + paramType.FriendlyName()))
	return hex.EncodeToString(sum[:])
}
