package expr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// ctyComparer lets go-cmp diff trees that embed cty values.
var ctyComparer = cmp.Comparer(func(a, b cty.Value) bool {
	return a.RawEquals(b)
})

func TestSubstituteReplacesEveryParam(t *testing.T) {
	// (x * x) + f(x, 1)
	tree := Binary{
		Op:  "+",
		LHS: Binary{Op: "*", LHS: Param{}, RHS: Param{}},
		RHS: Call{
			Func: Ref{Name: "f"},
			Args: []Node{Param{}, Const{Val: cty.NumberIntVal(1)}},
		},
	}
	repl := Binary{Op: "+", LHS: Param{}, RHS: Const{Val: cty.NumberIntVal(2)}}

	got := Substitute(tree, repl)

	want := Binary{
		Op:  "+",
		LHS: Binary{Op: "*", LHS: repl, RHS: repl},
		RHS: Call{
			Func: Ref{Name: "f"},
			Args: []Node{repl, Const{Val: cty.NumberIntVal(1)}},
		},
	}
	if diff := cmp.Diff(want, got, ctyComparer); diff != "" {
		t.Fatalf("substituted tree mismatch (-want +got):\n%s", diff)
	}
}

func TestSubstituteLeavesOriginalIntact(t *testing.T) {
	tree := Binary{Op: "*", LHS: Param{}, RHS: Const{Val: cty.NumberIntVal(2)}}
	before := RenderString(tree)

	_ = Substitute(tree, Const{Val: cty.NumberIntVal(7)})

	assert.Equal(t, before, RenderString(tree))
}

func TestUsesParam(t *testing.T) {
	assert.True(t, UsesParam(Param{}))
	assert.True(t, UsesParam(Call{Func: Ref{Name: "f"}, Args: []Node{Param{}}}))
	assert.False(t, UsesParam(Const{Val: cty.NumberIntVal(1)}))
	assert.False(t, UsesParam(Call{Func: Ref{Name: "f"}, Args: []Node{Const{Val: cty.True}}}))
}

func TestWalkPrunesSubtrees(t *testing.T) {
	tree := Binary{
		Op:  "+",
		LHS: Call{Func: Ref{Name: "f"}, Args: []Node{Param{}}},
		RHS: Param{},
	}

	var visited []string
	Walk(tree, func(n Node) bool {
		switch n.(type) {
		case Call:
			visited = append(visited, "call")
			return false // prune: the call's children must not be visited
		case Param:
			visited = append(visited, "param")
		case Binary:
			visited = append(visited, "binary")
		case Ref:
			visited = append(visited, "ref")
		}
		return true
	})

	require.Equal(t, []string{"binary", "call", "param"}, visited)
}

func TestEqualIsStructural(t *testing.T) {
	a := Binary{Op: "+", LHS: Param{}, RHS: Const{Val: cty.NumberIntVal(3)}}
	b := Binary{Op: "+", LHS: Param{}, RHS: Const{Val: cty.NumberIntVal(3)}}
	c := Binary{Op: "+", LHS: Param{}, RHS: Const{Val: cty.NumberIntVal(4)}}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}
