// Package native implements the optional ahead-of-time compilation backend.
// It lowers an expression tree to a generated Go plugin module, builds it
// through an external toolchain into a persistent content-addressed cache,
// and loads the artifact's entry point.
//
// The native path is strictly a performance path: every failure inside it,
// whether an ineligible tree, toolchain breakage, or an unloadable artifact,
// surfaces as an error the compiler answers by keeping the interpreter entry
// point.
// Correctness and availability of a working function are never at risk here.
package native

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/internal/ctxlog"
	"github.com/vk/fusegen/scope"
)

var (
	// ErrUnsupported reports a tree or signature outside the native subset.
	// The caller falls back to the interpreter without noise.
	ErrUnsupported = errors.New("not supported by the native backend")
	// ErrBuildFailed reports a fatal toolchain or load failure after any
	// transient retries were exhausted. Terminal for the native path only.
	ErrBuildFailed = errors.New("native build failed")
)

// state tracks a compilation through the backend.
type state int

const (
	stateUncached state = iota
	stateGenerating
	stateBuilding
	stateLoaded
	stateBuildFailed
)

func (s state) String() string {
	switch s {
	case stateUncached:
		return "uncached"
	case stateGenerating:
		return "generating"
	case stateBuilding:
		return "building"
	case stateLoaded:
		return "loaded"
	case stateBuildFailed:
		return "build_failed"
	}
	return "unknown"
}

// Entry is a native per-item entry point.
type Entry func(cty.Value) (cty.Value, error)

// Config configures a Backend. Zero values select defaults.
type Config struct {
	// CacheDir is the artifact cache root. Empty selects
	// os.UserCacheDir()/fusegen.
	CacheDir string
	// Toolchain builds generated modules. Nil selects GoToolchain.
	Toolchain Toolchain
	// Loader opens built artifacts. Nil selects the plugin loader.
	Loader Loader
	// Registry supplies native lowerings for builtins. Nil selects
	// funcs.Default().
	Registry *funcs.Registry
	// MaxAttempts bounds build attempts for transient failures. Zero
	// selects 3.
	MaxAttempts int
	// RetryDelay separates transient retries. Zero selects 200ms.
	RetryDelay time.Duration
}

// Backend is the native compilation service. Create one per process and
// pass it by reference; it holds no per-compilation state.
type Backend struct {
	store       *CacheStore
	toolchain   Toolchain
	loader      Loader
	reg         *funcs.Registry
	maxAttempts int
	retryDelay  time.Duration
}

// New creates a Backend and opens its artifact cache.
func New(cfg Config) (*Backend, error) {
	dir := cfg.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default cache dir: %w", err)
		}
		dir = filepath.Join(base, "fusegen")
	}
	store, err := NewCacheStore(dir)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		store:       store,
		toolchain:   cfg.Toolchain,
		loader:      cfg.Loader,
		reg:         cfg.Registry,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
	}
	if b.toolchain == nil {
		b.toolchain = GoToolchain{}
	}
	if b.loader == nil {
		b.loader = pluginLoader{}
	}
	if b.reg == nil {
		b.reg = funcs.Default()
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = 3
	}
	if b.retryDelay <= 0 {
		b.retryDelay = 200 * time.Millisecond
	}
	return b, nil
}

// Store exposes the artifact cache, mainly for inspection.
func (b *Backend) Store() *CacheStore {
	return b.store
}

// Compile lowers the tree, builds (or reuses) its artifact, and returns the
// loaded entry point. The caller blocks for the full external build.
func (b *Backend) Compile(ctx context.Context, node expr.Node, sc *scope.Scope, paramType, returnType cty.Type) (Entry, error) {
	logger := ctxlog.FromContext(ctx)

	if err := b.checkEligible(node, sc, paramType, returnType); err != nil {
		return nil, err
	}

	source := expr.RenderString(node)
	key := CacheKey(source, paramType.FriendlyName(), returnType.FriendlyName())
	logger = logger.With("key", key)
	logger.Debug("native compilation", "state", stateUncached.String())

	if b.store.HasArtifact(key) {
		logger.Debug("native artifact cache hit")
	} else {
		logger.Debug("native compilation", "state", stateGenerating.String())
		moduleSrc, err := generate(node, sc, b.reg)
		if err != nil {
			return nil, err
		}
		desc := Descriptor{
			Key:        key,
			Source:     source,
			ParamType:  paramType.FriendlyName(),
			ReturnType: returnType.FriendlyName(),
			Toolchain:  b.toolchain.Name(),
			CreatedAt:  time.Now().UTC(),
		}
		dir, err := b.store.WriteModule(key, moduleSrc, desc)
		if err != nil {
			return nil, err
		}

		logger.Debug("native compilation", "state", stateBuilding.String(), "dir", dir)
		if err := b.build(ctx, dir); err != nil {
			logger.Debug("native compilation", "state", stateBuildFailed.String(), "error", err)
			return nil, err
		}
	}

	loaded, err := b.loader.Load(b.store.ArtifactPath(key))
	if err != nil {
		return nil, fmt.Errorf("%w: load artifact: %v", ErrBuildFailed, err)
	}
	if err := bindSymbols(loaded, sc); err != nil {
		return nil, err
	}
	logger.Debug("native compilation", "state", stateLoaded.String())

	entryFn := loaded.Entry
	return func(x cty.Value) (cty.Value, error) {
		if x.IsNull() || !x.Type().Equals(cty.Number) {
			return cty.NilVal, fmt.Errorf("native entry expects a number, got %s", x.Type().FriendlyName())
		}
		f, _ := x.AsBigFloat().Float64()
		return cty.NumberFloatVal(entryFn(f)), nil
	}, nil
}

// build invokes the toolchain, retrying transient failures a bounded number
// of times before declaring the build failed.
func (b *Backend) build(ctx context.Context, dir string) error {
	logger := ctxlog.FromContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		err := b.toolchain.Build(ctx, dir)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		logger.Debug("transient build failure, retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(b.retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBuildFailed, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %v", ErrBuildFailed, lastErr)
}

// checkEligible gates the native path: numeric signature end to end, and a
// tree every node of which lowers to float64 arithmetic.
func (b *Backend) checkEligible(node expr.Node, sc *scope.Scope, paramType, returnType cty.Type) error {
	if !paramType.Equals(cty.Number) || !returnType.Equals(cty.Number) {
		return fmt.Errorf("%w: signature %s -> %s", ErrUnsupported,
			paramType.FriendlyName(), returnType.FriendlyName())
	}
	var werr error
	expr.Walk(node, func(n expr.Node) bool {
		switch v := n.(type) {
		case expr.Const:
			if !v.Val.Type().Equals(cty.Number) {
				werr = fmt.Errorf("%w: %s constant", ErrUnsupported, v.Val.Type().FriendlyName())
				return false
			}
		case expr.Unary:
			if v.Op != "-" {
				werr = fmt.Errorf("%w: unary operator %q", ErrUnsupported, v.Op)
				return false
			}
		case expr.Binary:
			switch v.Op {
			case "+", "-", "*", "/", "%":
			default:
				werr = fmt.Errorf("%w: operator %q", ErrUnsupported, v.Op)
				return false
			}
		case expr.Call:
			if len(v.Kwargs) != 0 {
				werr = fmt.Errorf("%w: keyword arguments", ErrUnsupported)
				return false
			}
			ref, ok := v.Func.(expr.Ref)
			if !ok {
				werr = fmt.Errorf("call target is not a name reference")
				return false
			}
			e, found := sc.Lookup(ref.Name)
			if !found {
				werr = fmt.Errorf("symbol %q missing from scope", ref.Name)
				return false
			}
			if entry, ok := b.reg.Lookup(ref.Name); ok && entry.Native != nil {
				return true
			}
			if !numericSignature(e.Fn) {
				werr = fmt.Errorf("%w: callable %q has a non-numeric signature", ErrUnsupported, ref.Name)
				return false
			}
		case expr.Ref:
			// Value references must be numbers; call targets were already
			// handled at their call site.
			if e, found := sc.Lookup(v.Name); found && e.Kind == scope.KindValue {
				if !e.Value.Type().Equals(cty.Number) {
					werr = fmt.Errorf("%w: %s symbol %q", ErrUnsupported, e.Value.Type().FriendlyName(), v.Name)
					return false
				}
			}
		}
		return true
	})
	return werr
}

func numericSignature(fn function.Function) bool {
	params := fn.Params()
	argTypes := make([]cty.Type, 0, len(params)+1)
	for _, p := range params {
		if !p.Type.Equals(cty.Number) {
			return false
		}
		argTypes = append(argTypes, p.Type)
	}
	if vp := fn.VarParam(); vp != nil {
		if !vp.Type.Equals(cty.Number) {
			return false
		}
		argTypes = append(argTypes, vp.Type)
	}
	rt, err := fn.ReturnType(argTypes)
	if err != nil {
		return false
	}
	return rt.Equals(cty.Number)
}

// bindSymbols installs every scope dependency into the loaded artifact.
// Entries that were compiled in ignore their binding; generic callables
// report internal errors as NaN, which the all-number eligibility gate keeps
// unreachable for the stdlib builtins.
func bindSymbols(loaded *Loaded, sc *scope.Scope) error {
	for _, name := range sc.Names() {
		e, _ := sc.Lookup(name)
		switch e.Kind {
		case scope.KindValue:
			if !e.Value.Type().Equals(cty.Number) {
				return fmt.Errorf("%w: %s symbol %q", ErrUnsupported, e.Value.Type().FriendlyName(), name)
			}
			f, _ := e.Value.AsBigFloat().Float64()
			loaded.BindVal(name, f)
		case scope.KindFunc:
			loaded.BindFunc(name, wrapCallable(e.Fn))
		}
	}
	return nil
}

func wrapCallable(fn function.Function) func(...float64) float64 {
	return func(args ...float64) float64 {
		vals := make([]cty.Value, len(args))
		for i, a := range args {
			vals[i] = cty.NumberFloatVal(a)
		}
		out, err := fn.Call(vals)
		if err != nil {
			return math.NaN()
		}
		f, _ := out.AsBigFloat().Float64()
		return f
	}
}
