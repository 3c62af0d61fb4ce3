package compiler

import (
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/pipeline"
)

// Tracker infers the value type flowing between stages. It is best-effort:
// it feeds only the native backend's generated signatures, so wrong or
// absent inference costs speed, never correctness.
type Tracker struct {
	current cty.Type
}

// NewTracker starts tracking from the declared parameter type.
func NewTracker(start cty.Type) *Tracker {
	if start == cty.NilType {
		start = cty.DynamicPseudoType
	}
	return &Tracker{current: start}
}

// Current returns the inferred type at this point of the fold.
func (t *Tracker) Current() cty.Type {
	return t.current
}

// ObserveType adopts a type outright.
func (t *Tracker) ObserveType(ty cty.Type) {
	if ty == cty.NilType {
		ty = cty.DynamicPseudoType
	}
	t.current = ty
}

// ObserveValue adopts the runtime type of a concrete value.
func (t *Tracker) ObserveValue(v cty.Value) {
	t.current = v.Type()
}

// ObserveCall folds a stage callable: the declared return type given the
// current type in its piped parameter slot, padding the remaining
// parameters with their declared types. pipedSlot < 0 leaves every declared
// type in place. Undeclared or unresolvable signatures degrade to the
// generic type.
func (t *Tracker) ObserveCall(fn function.Function, pipedSlot int) {
	params := fn.Params()
	argTypes := make([]cty.Type, len(params))
	for i, p := range params {
		argTypes[i] = p.Type
	}
	if len(params) == 0 {
		if fn.VarParam() != nil {
			argTypes = []cty.Type{t.current}
		}
	} else if pipedSlot >= 0 && pipedSlot < len(argTypes) {
		argTypes[pipedSlot] = t.current
	}
	rt, err := fn.ReturnType(argTypes)
	if err != nil {
		t.current = cty.DynamicPseudoType
		return
	}
	t.current = rt
}

// pipedSlot locates the positional parameter index the upstream value flows
// into for a recorded operation, resolving keyword slots through the
// callable's declared parameter names. -1 means the slot could not be
// determined positionally.
func pipedSlot(op pipeline.Operation) int {
	for i, a := range op.Args() {
		if consumesUpstream(a) {
			return i
		}
	}
	params := op.Callable().Fn().Params()
	for _, name := range op.KwargNames() {
		a, _ := op.Kwarg(name)
		if !consumesUpstream(a) {
			continue
		}
		for i, p := range params {
			if p.Name == name {
				return i
			}
		}
	}
	return -1
}

func consumesUpstream(a pipeline.Arg) bool {
	switch v := a.(type) {
	case pipeline.HoleArg:
		return true
	case pipeline.ExprArg:
		return expr.UsesParam(v.Node)
	}
	return false
}
