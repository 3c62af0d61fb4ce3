package funcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func num(t *testing.T, v cty.Value) float64 {
	t.Helper()
	require.True(t, v.Type().Equals(cty.Number))
	f, _ := v.AsBigFloat().Float64()
	return f
}

func TestRoundFunc(t *testing.T) {
	testCases := []struct {
		name      string
		value     float64
		precision int64
		want      float64
	}{
		{name: "two places", value: 2.345, precision: 2, want: 2.35},
		{name: "zero places", value: 2.5, precision: 0, want: 3},
		{name: "negative value", value: -1.005, precision: 1, want: -1},
		{name: "already exact", value: 4, precision: 3, want: 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := RoundFunc.Call([]cty.Value{
				cty.NumberFloatVal(tc.value),
				cty.NumberIntVal(tc.precision),
			})
			require.NoError(t, err)
			assert.InDelta(t, tc.want, num(t, out), 1e-9)
		})
	}
}

func TestDefaultRegistryContents(t *testing.T) {
	r := Default()

	for _, name := range []string{"abs", "ceil", "floor", "pow", "log", "round", "min", "max", "signum"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, "builtin %q missing", name)
	}
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestNativeLoweringCoverage(t *testing.T) {
	r := Default()

	e, ok := r.Lookup("round")
	require.True(t, ok)
	require.NotNil(t, e.Native)
	assert.Contains(t, e.Native([]string{"x", "2"}), "math.Round")

	// signum deliberately has no float64 lowering.
	e, ok = r.Lookup("signum")
	require.True(t, ok)
	assert.Nil(t, e.Native)
}

func TestRegisterReplaces(t *testing.T) {
	r := New()
	r.Register("f", Entry{Fn: RoundFunc})
	r.Register("f", Entry{Fn: RoundFunc, Native: func(a []string) string { return "0" }})

	e, ok := r.Lookup("f")
	require.True(t, ok)
	assert.NotNil(t, e.Native)
}

func TestBinaryImpl(t *testing.T) {
	add, ok := BinaryImpl("+")
	require.True(t, ok)
	out, err := add.Call([]cty.Value{cty.NumberIntVal(2), cty.NumberIntVal(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(5), num(t, out))

	eq, ok := BinaryImpl("==")
	require.True(t, ok)
	out, err = eq.Call([]cty.Value{cty.NumberIntVal(4), cty.NumberIntVal(4)})
	require.NoError(t, err)
	assert.True(t, out.True())

	_, ok = BinaryImpl("**")
	assert.False(t, ok)
}

func TestUnaryImpl(t *testing.T) {
	neg, ok := UnaryImpl("-")
	require.True(t, ok)
	out, err := neg.Call([]cty.Value{cty.NumberIntVal(9)})
	require.NoError(t, err)
	assert.Equal(t, float64(-9), num(t, out))

	_, ok = UnaryImpl("~")
	assert.False(t, ok)
}
