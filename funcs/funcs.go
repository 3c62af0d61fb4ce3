// Package funcs holds the registry of builtin callables available to stage
// expressions, together with their optional native lowerings.
package funcs

import (
	"math"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Entry couples a callable with an optional native lowering.
type Entry struct {
	Fn function.Function
	// Native renders a float64 Go expression from already-rendered argument
	// expressions. Nil means the function has no native lowering and is
	// bound generically at artifact load time.
	Native func(args []string) string
}

// Registry is a name→Entry table of builtin callables.
type Registry struct {
	entries map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a builtin under the given name.
func (r *Registry) Register(name string, e Entry) {
	r.entries[name] = e
}

// Lookup resolves a builtin by name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// RoundFunc rounds a number to the given number of decimal places.
var RoundFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "num", Type: cty.Number},
		{Name: "precision", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		num, _ := args[0].AsBigFloat().Float64()
		prec, _ := args[1].AsBigFloat().Float64()
		m := math.Pow(10, prec)
		return cty.NumberFloatVal(math.Round(num*m) / m), nil
	},
})

// Default returns the standard registry: the go-cty numeric stdlib plus
// round. Callers may extend a fresh registry with their own entries.
func Default() *Registry {
	r := New()
	r.Register("abs", Entry{Fn: stdlib.AbsoluteFunc, Native: unaryNative("math.Abs")})
	r.Register("ceil", Entry{Fn: stdlib.CeilFunc, Native: unaryNative("math.Ceil")})
	r.Register("floor", Entry{Fn: stdlib.FloorFunc, Native: unaryNative("math.Floor")})
	r.Register("pow", Entry{Fn: stdlib.PowFunc, Native: func(a []string) string {
		return "math.Pow(" + a[0] + ", " + a[1] + ")"
	}})
	r.Register("log", Entry{Fn: stdlib.LogFunc, Native: func(a []string) string {
		return "(math.Log(" + a[0] + ") / math.Log(" + a[1] + "))"
	}})
	r.Register("round", Entry{Fn: RoundFunc, Native: func(a []string) string {
		return "(math.Round(" + a[0] + "*math.Pow(10, " + a[1] + ")) / math.Pow(10, " + a[1] + "))"
	}})
	r.Register("min", Entry{Fn: stdlib.MinFunc, Native: func(a []string) string {
		return "min(" + strings.Join(a, ", ") + ")"
	}})
	r.Register("max", Entry{Fn: stdlib.MaxFunc, Native: func(a []string) string {
		return "max(" + strings.Join(a, ", ") + ")"
	}})
	// No float64 lowering that preserves signum's exact contract; bound
	// generically on the native path.
	r.Register("signum", Entry{Fn: stdlib.SignumFunc})
	return r
}

func unaryNative(goFn string) func([]string) string {
	return func(a []string) string {
		return goFn + "(" + a[0] + ")"
	}
}

// BinaryImpl resolves the callable implementing an infix operator symbol.
func BinaryImpl(op string) (function.Function, bool) {
	switch op {
	case "+":
		return stdlib.AddFunc, true
	case "-":
		return stdlib.SubtractFunc, true
	case "*":
		return stdlib.MultiplyFunc, true
	case "/":
		return stdlib.DivideFunc, true
	case "%":
		return stdlib.ModuloFunc, true
	case "==":
		return stdlib.EqualFunc, true
	case "!=":
		return stdlib.NotEqualFunc, true
	case ">":
		return stdlib.GreaterThanFunc, true
	case ">=":
		return stdlib.GreaterThanOrEqualToFunc, true
	case "<":
		return stdlib.LessThanFunc, true
	case "<=":
		return stdlib.LessThanOrEqualToFunc, true
	case "&&":
		return stdlib.AndFunc, true
	case "||":
		return stdlib.OrFunc, true
	}
	return function.Function{}, false
}

// UnaryImpl resolves the callable implementing a prefix operator symbol.
func UnaryImpl(op string) (function.Function, bool) {
	switch op {
	case "-":
		return stdlib.NegateFunc, true
	case "!":
		return stdlib.NotFunc, true
	}
	return function.Function{}, false
}
