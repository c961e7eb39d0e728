package expr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, src string, row ...float64) float64 {
	t.Helper()
	e, err := Parse(src)
	require.NoError(t, err, src)
	v, err := e.Eval(row)
	require.NoError(t, err, src)
	return v
}

func TestArithmeticPrecedence(t *testing.T) {
	assert.Equal(t, 7.0, eval(t, "1 + 2 * 3"))
	assert.Equal(t, 9.0, eval(t, "(1 + 2) * 3"))
	assert.Equal(t, 2.0, eval(t, "8 / 2 / 2"))
	assert.Equal(t, -1.0, eval(t, "1 - 1 - 1"))
	assert.Equal(t, 5.0, eval(t, "--5"))
	assert.Equal(t, 1.5e-3, eval(t, "1.5e-3"))
	assert.Equal(t, -6.0, eval(t, "-(x1 * x2)", 2, 3))
}

func TestFunctions(t *testing.T) {
	assert.Equal(t, 2.0, eval(t, "avg(x1, x2, 3)", 1, 2))
	assert.Equal(t, 0.0, eval(t, "pos(-4)"))
	assert.Equal(t, 4.0, eval(t, "pos(x1)", 4))
	assert.Equal(t, math.Log(1e-10), eval(t, "log(0 - 3)"))
	assert.InDelta(t, 1.0, eval(t, "log(x1)", math.E), 1e-12)
	assert.Equal(t, 1.0, eval(t, "min(x2, x1)", 1, 5))
	assert.Equal(t, 5.0, eval(t, "max(x2, x1)", 1, 5))
	assert.Equal(t, 3.0, eval(t, "sqrt(9)"))
	assert.InDelta(t, math.Pi/4, eval(t, "atan(1)"), 1e-12)
	assert.InDelta(t, 0.0, eval(t, "sin(0) + tan(0)"), 1e-12)
	assert.Equal(t, 1.0, eval(t, "COS(0)"))
	assert.True(t, math.IsInf(eval(t, "1 / 0"), 1))
}

func TestRealisticExpression(t *testing.T) {
	src := "(((log(((avg(x2, x1) - (x1 / x2)) + avg(x2, log(x2)))) + (0.416379 / avg(log((0.837553 / -0.36384)), log(x2)))) * log(x1)) - (log((x1 * (x1 - (x2 * x1)))) * 0.236243))"
	e, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, 2, e.NumVars())
	assert.Equal(t, src, e.String())

	v, err := e.Eval([]float64{2, 5})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(v))

	_, err = e.Eval([]float64{2})
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"1 +",
		"(x1",
		"x1)",
		"foo(1)",
		"y1",
		"x0",
		"1 $ 2",
		"avg()",
		"avg(1,)",
	} {
		_, err := Parse(src)
		assert.Error(t, err, "%q should not parse", src)
	}
	_, err := Parse("sin(1, 2)")
	assert.ErrorIs(t, err, ErrArity)
	assert.Panics(t, func() { MustParse("(") })
}
