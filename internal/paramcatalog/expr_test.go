package paramcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileExprRejectsTernary(t *testing.T) {
	_, ok := CompileExpr(`value > 0 ? 1 : 0`)
	assert.False(t, ok)
}

func TestCompileExprRejectsAttributeAccess(t *testing.T) {
	_, ok := CompileExpr(`value.real`)
	assert.False(t, ok)
}

func TestCompileExprRejectsSubscript(t *testing.T) {
	_, ok := CompileExpr(`value[0]`)
	assert.False(t, ok)
}

func TestCompileExprRejectsDisallowedIdentifier(t *testing.T) {
	_, ok := CompileExpr(`os_system(value)`)
	assert.False(t, ok)
}

func TestCompileExprRejectsLambda(t *testing.T) {
	_, ok := CompileExpr(`func() { return value }`)
	assert.False(t, ok)
}

func TestCompileExprNormalizesSpelledOutBooleans(t *testing.T) {
	c, ok := CompileExpr(`value > 0 and value < 100`)
	require.True(t, ok)
	v, err := c.Eval(50, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = c.Eval(200, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)
}

func TestCompileExprArithmetic(t *testing.T) {
	c, ok := CompileExpr(`(value * 0.75) - 40`)
	require.True(t, ok)
	v, err := c.Eval(100, nil)
	require.NoError(t, err)
	assert.InDelta(t, 35.0, v, 0.0001)
}

func TestCompileExprIntrinsics(t *testing.T) {
	c, ok := CompileExpr(`max(min(value, 100), 0)`)
	require.True(t, ok)
	v, err := c.Eval(150, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(100), v)

	v, err = c.Eval(-10, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)
}

func TestCompileExprGetLogParamLooksUpResolvedSibling(t *testing.T) {
	c, ok := CompileExpr(`value - getlogparam("Intake Air Temperature")`)
	require.True(t, ok)
	resolved := map[string]float64{"Intake Air Temperature": 20}
	v, err := c.Eval(95, resolved)
	require.NoError(t, err)
	assert.Equal(t, float64(75), v)
}

func TestCompileExprGetLogParamFallsBackToZero(t *testing.T) {
	c, ok := CompileExpr(`value - getlogparam("Unresolved Param")`)
	require.True(t, ok)
	v, err := c.Eval(95, map[string]float64{})
	require.NoError(t, err)
	assert.Equal(t, float64(95), v)
}

func TestCompileExprGetLogParamCaseInsensitiveSpelling(t *testing.T) {
	c, ok := CompileExpr(`GetLogParam("X")`)
	require.True(t, ok)
	v, err := c.Eval(0, map[string]float64{"X": 42})
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestCompileExprEmptyRejected(t *testing.T) {
	_, ok := CompileExpr("")
	assert.False(t, ok)
}
