package native

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/scope"
)

func numFunc(impl func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "x", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			f, _ := args[0].AsBigFloat().Float64()
			return cty.NumberFloatVal(impl(f)), nil
		},
	})
}

// linearTree is ((2 * x) + 5).
func linearTree() expr.Node {
	return expr.Binary{
		Op:  "+",
		LHS: expr.Binary{Op: "*", LHS: expr.Const{Val: cty.NumberIntVal(2)}, RHS: expr.Param{}},
		RHS: expr.Const{Val: cty.NumberIntVal(5)},
	}
}

// roundedTree is round(((2 * x) + 5), 2) with round registered in sc.
func roundedTree(t *testing.T, sc *scope.Scope) expr.Node {
	t.Helper()
	_, err := sc.RegisterNamedFunc("round", funcs.RoundFunc)
	require.NoError(t, err)
	return expr.Call{
		Func: expr.Ref{Name: "round"},
		Args: []expr.Node{linearTree(), expr.Const{Val: cty.NumberIntVal(2)}},
	}
}

// touchToolchain "builds" by writing the artifact file.
type touchToolchain struct{ builds int }

func (t *touchToolchain) Name() string { return "touch" }

func (t *touchToolchain) Build(ctx context.Context, dir string) error {
	t.builds++
	return os.WriteFile(filepath.Join(dir, ArtifactName), []byte("stub"), 0o644)
}

// flakyToolchain fails transiently a fixed number of times, then builds.
type flakyToolchain struct {
	failures int
	attempts int
}

func (t *flakyToolchain) Name() string { return "flaky" }

func (t *flakyToolchain) Build(ctx context.Context, dir string) error {
	t.attempts++
	if t.attempts <= t.failures {
		return &BuildError{Output: "link: text file busy", Err: errors.New("exit status 1")}
	}
	return os.WriteFile(filepath.Join(dir, ArtifactName), []byte("stub"), 0o644)
}

// fatalToolchain always fails in a way no retry can fix.
type fatalToolchain struct{ attempts int }

func (t *fatalToolchain) Name() string { return "fatal" }

func (t *fatalToolchain) Build(ctx context.Context, dir string) error {
	t.attempts++
	return &BuildError{Output: "undefined: bogus", Err: errors.New("exit status 2")}
}

// stubLoader fabricates a loaded artifact from plain Go closures and records
// every bound symbol.
type stubLoader struct {
	entry     func(float64) float64
	boundFns  map[string]func(...float64) float64
	boundVals map[string]float64
}

func newStubLoader(entry func(float64) float64) *stubLoader {
	return &stubLoader{
		entry:     entry,
		boundFns:  make(map[string]func(...float64) float64),
		boundVals: make(map[string]float64),
	}
}

func (l *stubLoader) Load(path string) (*Loaded, error) {
	return &Loaded{
		Entry:    l.entry,
		BindFunc: func(name string, fn func(...float64) float64) { l.boundFns[name] = fn },
		BindVal:  func(name string, v float64) { l.boundVals[name] = v },
	}, nil
}

func newTestBackend(t *testing.T, cacheDir string, tc Toolchain, loader Loader) *Backend {
	t.Helper()
	b, err := New(Config{
		CacheDir:    cacheDir,
		Toolchain:   tc,
		Loader:      loader,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func TestGenerateEntryOnly(t *testing.T) {
	src, err := generate(linearTree(), scope.New(), funcs.Default())
	require.NoError(t, err)

	text := string(src)
	assert.Contains(t, text, "package main")
	assert.Contains(t, text, "func Entry(x float64) float64 {")
	assert.Contains(t, text, "return ((2 * x) + 5)")
	assert.NotContains(t, text, `import "math"`)
}

func TestGenerateImportsMathWhenNeeded(t *testing.T) {
	tree := expr.Binary{Op: "%", LHS: expr.Param{}, RHS: expr.Const{Val: cty.NumberIntVal(3)}}

	src, err := generate(tree, scope.New(), funcs.Default())
	require.NoError(t, err)

	text := string(src)
	assert.Contains(t, text, `import "math"`)
	assert.Contains(t, text, "math.Mod(x, 3)")
}

func TestGenerateLowersRegistryBuiltins(t *testing.T) {
	sc := scope.New()
	src, err := generate(roundedTree(t, sc), sc, funcs.Default())
	require.NoError(t, err)

	text := string(src)
	assert.Contains(t, text, "math.Round(")
	assert.NotContains(t, text, `symfns["round"]`)
}

func TestGenerateInlinesScopeCallablesWithSource(t *testing.T) {
	sc := scope.New()
	name, err := sc.RegisterFunc("src\x00x * x", "x * x", numFunc(func(f float64) float64 { return f * f }))
	require.NoError(t, err)
	tree := expr.Call{Func: expr.Ref{Name: name}, Args: []expr.Node{expr.Param{}}}

	src, err := generate(tree, sc, funcs.Default())
	require.NoError(t, err)

	text := string(src)
	assert.Contains(t, text, "func "+name+"(x float64) float64 {")
	assert.Contains(t, text, "return "+name+"(x)")
	assert.NotContains(t, text, "symfns["+`"`+name+`"`+"]")
}

func TestGenerateBindsSourcelessCallables(t *testing.T) {
	sc := scope.New()
	name, err := sc.RegisterFunc("name\x00triple", "", numFunc(func(f float64) float64 { return f * 3 }))
	require.NoError(t, err)
	tree := expr.Call{Func: expr.Ref{Name: name}, Args: []expr.Node{expr.Param{}}}

	src, err := generate(tree, sc, funcs.Default())
	require.NoError(t, err)

	assert.Contains(t, string(src), "symfns["+`"`+name+`"`+"](x)")
}

func TestGenerateReadsValuesThroughSymvals(t *testing.T) {
	sc := scope.New()
	name, err := sc.RegisterValue(cty.NumberFloatVal(2.5))
	require.NoError(t, err)
	tree := expr.Binary{Op: "*", LHS: expr.Param{}, RHS: expr.Ref{Name: name}}

	src, err := generate(tree, sc, funcs.Default())
	require.NoError(t, err)

	assert.Contains(t, string(src), "symvals["+`"`+name+`"`+"]")
}

func TestGenerateKeepsUnlowerableBodiesGeneric(t *testing.T) {
	// signum has no float64 lowering; a callable whose body calls it must
	// stay a generic binding, never a compiled-in local whose dispatch name
	// the artifact can't resolve.
	sc := scope.New()
	name, err := sc.RegisterFunc("src\x00signum(x)", "signum(x)", numFunc(func(f float64) float64 {
		switch {
		case f > 0:
			return 1
		case f < 0:
			return -1
		}
		return 0
	}))
	require.NoError(t, err)
	tree := expr.Call{Func: expr.Ref{Name: name}, Args: []expr.Node{expr.Param{}}}

	src, err := generate(tree, sc, funcs.Default())
	require.NoError(t, err)

	text := string(src)
	assert.NotContains(t, text, `symfns["signum"]`)
	assert.NotContains(t, text, "func "+name+"(")
	assert.Contains(t, text, "symfns["+`"`+name+`"`+"](x)")
}

func TestGenerateRejectsUnboundCallTargets(t *testing.T) {
	tree := expr.Call{Func: expr.Ref{Name: "mystery"}, Args: []expr.Node{expr.Param{}}}

	_, err := generate(tree, scope.New(), funcs.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"mystery"`)
}

func TestCompileBindsEveryDispatchedName(t *testing.T) {
	loader := newStubLoader(func(x float64) float64 { return x })
	b := newTestBackend(t, t.TempDir(), &touchToolchain{}, loader)

	sc := scope.New()
	name, err := sc.RegisterFunc("src\x00signum(x)", "signum(x)", numFunc(func(f float64) float64 {
		switch {
		case f > 0:
			return 1
		case f < 0:
			return -1
		}
		return 0
	}))
	require.NoError(t, err)
	tree := expr.Call{Func: expr.Ref{Name: name}, Args: []expr.Node{expr.Param{}}}

	_, err = b.Compile(context.Background(), tree, sc, cty.Number, cty.Number)
	require.NoError(t, err)

	// Every name the generated module dispatches through is bound, so the
	// loaded artifact never calls a nil entry.
	require.Contains(t, loader.boundFns, name)
	assert.Equal(t, float64(-1), loader.boundFns[name](-7))
	assert.Empty(t, loader.boundVals)
}

func TestGenerateRejectsKwargs(t *testing.T) {
	sc := scope.New()
	tree := roundedTree(t, sc).(expr.Call)
	tree.Kwargs = []expr.Kwarg{{Name: "precision", Node: expr.Const{Val: cty.NumberIntVal(2)}}}
	tree.Args = tree.Args[:1]

	_, err := generate(tree, sc, funcs.Default())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&BuildError{Output: "ld: Text File Busy", Err: errors.New("exit status 1")}))
	assert.True(t, IsTransient(errors.New("resource temporarily unavailable")))
	assert.False(t, IsTransient(&BuildError{Output: "undefined: bogus", Err: errors.New("exit status 2")}))
	assert.False(t, IsTransient(nil))
}

func TestCompileProducesOneCacheEntry(t *testing.T) {
	root := t.TempDir()
	entry := func(x float64) float64 { return math.Round((2*x+5)*100) / 100 }

	// Two independently configured backends over the same cache directory,
	// compiling structurally identical trees.
	compileOnce := func() (*touchToolchain, Entry) {
		tc := &touchToolchain{}
		b := newTestBackend(t, root, tc, newStubLoader(entry))
		sc := scope.New()
		fn, err := b.Compile(context.Background(), roundedTree(t, sc), sc, cty.Number, cty.Number)
		require.NoError(t, err)
		return tc, fn
	}

	tc1, fn1 := compileOnce()
	tc2, fn2 := compileOnce()

	assert.Equal(t, 1, tc1.builds)
	assert.Equal(t, 0, tc2.builds, "second compilation reuses the artifact")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "identical content shares one cache entry")

	for _, fn := range []Entry{fn1, fn2} {
		out, err := fn(cty.NumberFloatVal(1.232))
		require.NoError(t, err)
		got, _ := out.AsBigFloat().Float64()
		assert.InDelta(t, 7.46, got, 1e-9)
	}
}

func TestCompileWritesDescriptor(t *testing.T) {
	tc := &touchToolchain{}
	b := newTestBackend(t, t.TempDir(), tc, newStubLoader(func(x float64) float64 { return x }))

	sc := scope.New()
	node := linearTree()
	_, err := b.Compile(context.Background(), node, sc, cty.Number, cty.Number)
	require.NoError(t, err)

	key := CacheKey(expr.RenderString(node), "number", "number")
	desc, err := b.Store().ReadDescriptor(key)
	require.NoError(t, err)
	assert.Equal(t, key, desc.Key)
	assert.Equal(t, "((2 * x) + 5)", desc.Source)
	assert.Equal(t, "touch", desc.Toolchain)
	assert.False(t, desc.CreatedAt.IsZero())
}

func TestCompileBindsScopeSymbols(t *testing.T) {
	tc := &touchToolchain{}
	loader := newStubLoader(func(x float64) float64 { return x })
	b := newTestBackend(t, t.TempDir(), tc, loader)

	sc := scope.New()
	valName, err := sc.RegisterValue(cty.NumberFloatVal(2.5))
	require.NoError(t, err)
	fnName, err := sc.RegisterFunc("name\x00triple", "", numFunc(func(f float64) float64 { return f * 3 }))
	require.NoError(t, err)
	tree := expr.Binary{
		Op:  "*",
		LHS: expr.Call{Func: expr.Ref{Name: fnName}, Args: []expr.Node{expr.Param{}}},
		RHS: expr.Ref{Name: valName},
	}

	_, err = b.Compile(context.Background(), tree, sc, cty.Number, cty.Number)
	require.NoError(t, err)

	assert.Equal(t, 2.5, loader.boundVals[valName])
	require.Contains(t, loader.boundFns, fnName)
	assert.Equal(t, float64(12), loader.boundFns[fnName](4))
}

func TestBoundCallableErrorsSurfaceAsNaN(t *testing.T) {
	failing := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "x", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.NilVal, errors.New("boom")
		},
	})

	wrapped := wrapCallable(failing)
	assert.True(t, math.IsNaN(wrapped(1)))
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	tc := &flakyToolchain{failures: 2}
	b := newTestBackend(t, t.TempDir(), tc, newStubLoader(func(x float64) float64 { return 2*x + 5 }))

	sc := scope.New()
	fn, err := b.Compile(context.Background(), linearTree(), sc, cty.Number, cty.Number)
	require.NoError(t, err)
	assert.Equal(t, 3, tc.attempts)

	out, err := fn(cty.NumberIntVal(5))
	require.NoError(t, err)
	got, _ := out.AsBigFloat().Float64()
	assert.Equal(t, float64(15), got)
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	tc := &flakyToolchain{failures: 100}
	b := newTestBackend(t, t.TempDir(), tc, newStubLoader(func(x float64) float64 { return 0 }))

	sc := scope.New()
	_, err := b.Compile(context.Background(), linearTree(), sc, cty.Number, cty.Number)
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, 3, tc.attempts)
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	tc := &fatalToolchain{}
	b := newTestBackend(t, t.TempDir(), tc, newStubLoader(func(x float64) float64 { return 0 }))

	sc := scope.New()
	_, err := b.Compile(context.Background(), linearTree(), sc, cty.Number, cty.Number)
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, 1, tc.attempts)
}

func TestEligibilityGate(t *testing.T) {
	b := newTestBackend(t, t.TempDir(), &touchToolchain{}, newStubLoader(func(x float64) float64 { return 0 }))

	testCases := []struct {
		name       string
		node       func(sc *scope.Scope) expr.Node
		paramType  cty.Type
		returnType cty.Type
	}{
		{
			name:       "non-numeric signature",
			node:       func(*scope.Scope) expr.Node { return expr.Param{} },
			paramType:  cty.String,
			returnType: cty.String,
		},
		{
			name: "comparison operator",
			node: func(*scope.Scope) expr.Node {
				return expr.Binary{Op: "==", LHS: expr.Param{}, RHS: expr.Const{Val: cty.NumberIntVal(2)}}
			},
			paramType:  cty.Number,
			returnType: cty.Number,
		},
		{
			name: "non-numeric constant",
			node: func(*scope.Scope) expr.Node {
				return expr.Binary{Op: "+", LHS: expr.Param{}, RHS: expr.Const{Val: cty.StringVal("s")}}
			},
			paramType:  cty.Number,
			returnType: cty.Number,
		},
		{
			name: "non-numeric scope value",
			node: func(sc *scope.Scope) expr.Node {
				name, err := sc.RegisterValue(cty.StringVal("s"))
				require.NoError(t, err)
				return expr.Ref{Name: name}
			},
			paramType:  cty.Number,
			returnType: cty.Number,
		},
		{
			name: "keyword arguments",
			node: func(sc *scope.Scope) expr.Node {
				_, err := sc.RegisterNamedFunc("round", funcs.RoundFunc)
				require.NoError(t, err)
				return expr.Call{
					Func:   expr.Ref{Name: "round"},
					Args:   []expr.Node{expr.Param{}},
					Kwargs: []expr.Kwarg{{Name: "precision", Node: expr.Const{Val: cty.NumberIntVal(2)}}},
				}
			},
			paramType:  cty.Number,
			returnType: cty.Number,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sc := scope.New()
			_, err := b.Compile(context.Background(), tc.node(sc), sc, tc.paramType, tc.returnType)
			require.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestEntryRejectsNonNumberInput(t *testing.T) {
	b := newTestBackend(t, t.TempDir(), &touchToolchain{}, newStubLoader(func(x float64) float64 { return x }))

	sc := scope.New()
	fn, err := b.Compile(context.Background(), linearTree(), sc, cty.Number, cty.Number)
	require.NoError(t, err)

	_, err = fn(cty.StringVal("five"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects a number")

	_, err = fn(cty.NullVal(cty.Number))
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	b, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "go-plugin", b.toolchain.Name())
	assert.Equal(t, 3, b.maxAttempts)
	assert.Equal(t, 200*time.Millisecond, b.retryDelay)
	assert.NotNil(t, b.reg)
	assert.IsType(t, pluginLoader{}, b.loader)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uncached", stateUncached.String())
	assert.Equal(t, "build_failed", stateBuildFailed.String())
}

func TestGoToolchainName(t *testing.T) {
	assert.Equal(t, "go-plugin", GoToolchain{}.Name())
	assert.True(t, strings.HasPrefix((&BuildError{Err: errors.New("x")}).Error(), "toolchain:"))
}
