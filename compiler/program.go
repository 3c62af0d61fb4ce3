package compiler

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fusegen/pipeline"
)

// Program is a pipeline compiled with explicit fusion boundaries. Runs of
// per-item stages fuse into CompiledFunctions; sequence-level stages, which
// change the stream's cardinality, stay as discrete steps between them.
// This is the conservative boundary: a filter never fuses across.
type Program struct {
	steps []step
}

type step struct {
	fused  *CompiledFunction
	filter pipeline.Operation // valid only when fused is nil
}

// CompileProgram splits a mixed pipeline into maximal per-item segments,
// compiles each segment through the normal path, and threads the inferred
// type from one segment into the next.
func (c *Compiler) CompileProgram(ctx context.Context, p pipeline.Pipeline, paramType cty.Type) (*Program, error) {
	if paramType == cty.NilType {
		paramType = cty.DynamicPseudoType
	}

	prog := &Program{}
	segType := paramType
	var seg []pipeline.Operation

	flush := func() error {
		if len(seg) == 0 {
			return nil
		}
		f, err := c.Compile(ctx, pipeline.Of(seg...), segType)
		if err != nil {
			return err
		}
		prog.steps = append(prog.steps, step{fused: f})
		segType = f.ReturnType()
		seg = seg[:0]
		return nil
	}

	for _, op := range p.Operations() {
		if op.Kind() == pipeline.KindMap {
			seg = append(seg, op)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		// Filters pass items through unchanged; segType is untouched.
		prog.steps = append(prog.steps, step{filter: op})
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return prog, nil
}

// Len returns the number of program steps.
func (p *Program) Len() int {
	return len(p.steps)
}

// Fused returns the compiled segment at step i, or false when that step is
// a sequence-level stage.
func (p *Program) Fused(i int) (*CompiledFunction, bool) {
	if p.steps[i].fused == nil {
		return nil, false
	}
	return p.steps[i].fused, true
}

// Run applies the program to a batch of items, preserving the original
// left-to-right stage order.
func (p *Program) Run(ctx context.Context, items []cty.Value) ([]cty.Value, error) {
	out := make([]cty.Value, len(items))
	copy(out, items)

	for i, st := range p.steps {
		if st.fused != nil {
			next := make([]cty.Value, len(out))
			for j, item := range out {
				v, err := st.fused.Call(item)
				if err != nil {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}
				next[j] = v
			}
			out = next
			continue
		}

		pred := st.filter.Callable().Fn()
		next := out[:0:0]
		for _, item := range out {
			keep, err := pred.Call([]cty.Value{item})
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			if keep.Type() != cty.Bool {
				return nil, fmt.Errorf("step %d: predicate returned %s, want bool", i, keep.Type().FriendlyName())
			}
			if keep.True() {
				next = append(next, item)
			}
		}
		out = next
	}
	return out, nil
}
