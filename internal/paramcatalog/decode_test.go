package paramcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUnsignedByte(t *testing.T) {
	p := ParamDef{Size: 1, Signed: false}
	v, err := p.Decode([]byte{0xFF}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(255), v)
}

func TestDecodeSignedByte(t *testing.T) {
	p := ParamDef{Size: 1, Signed: true}
	v, err := p.Decode([]byte{0xFF}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(-1), v)
}

func TestDecodeSignedWordBigEndian(t *testing.T) {
	p := ParamDef{Size: 2, Signed: true}
	v, err := p.Decode([]byte{0xFF, 0xFE}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(-2), v)
}

func TestDecodeBooleanBitFastPath(t *testing.T) {
	p := ParamDef{Bit: 3}
	v, err := p.Decode([]byte{0b00000100}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = p.Decode([]byte{0b00000000}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)
}

func TestDecodeAppliesExpressionAndRounding(t *testing.T) {
	c, ok := CompileExpr(`(value * 0.75) - 40`)
	require.True(t, ok)
	p := ParamDef{Size: 1, Signed: false, Decimals: 1, compiled: c}
	v, err := p.Decode([]byte{100}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 35.0, v, 0.0001)
}

func TestDecodeWithoutExpressionReturnsRawRounded(t *testing.T) {
	p := ParamDef{Size: 1, Signed: false, Decimals: 0}
	v, err := p.Decode([]byte{42}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestSelectProfileFastMatchesExpectedStems(t *testing.T) {
	params := []ParamDef{
		{ID: "Engine Speed", TopicSlug: "engine_speed"},
		{ID: "Coolant Temperature", TopicSlug: "coolant_temperature"},
		{ID: "Throttle Opening Angle", TopicSlug: "throttle_opening_angle"},
		{ID: "Some Unused", TopicSlug: "some_unused"},
	}
	got := SelectProfile(params, "fast")
	require.Len(t, got, 3)

	var slugs []string
	for _, p := range got {
		slugs = append(slugs, p.TopicSlug)
	}
	assert.Contains(t, slugs, "engine_speed")
	assert.Contains(t, slugs, "coolant_temperature")
	assert.Contains(t, slugs, "throttle_opening_angle")
	assert.NotContains(t, slugs, "some_unused")
}

func TestSelectProfileFastRetainsPressureDutyAndAcceleratorParams(t *testing.T) {
	params := []ParamDef{
		{ID: "Manifold Absolute Pressure", TopicSlug: "manifold_absolute_pressure"},
		{ID: "Manifold Relative Pressure", TopicSlug: "manifold_relative_pressure"},
		{ID: "Primary Wastegate Duty Cycle", TopicSlug: "primary_wastegate_duty_cycle"},
		{ID: "Fuel Pressure High", TopicSlug: "fuel_pressure_high"},
		{ID: "Accelerator Opening Angle", TopicSlug: "accelerator_opening_angle"},
		{ID: "Some Unused", TopicSlug: "some_unused"},
	}
	got := SelectProfile(params, "fast")
	require.Len(t, got, 5)

	var slugs []string
	for _, p := range got {
		slugs = append(slugs, p.TopicSlug)
	}
	assert.Contains(t, slugs, "manifold_absolute_pressure")
	assert.Contains(t, slugs, "manifold_relative_pressure")
	assert.Contains(t, slugs, "primary_wastegate_duty_cycle")
	assert.Contains(t, slugs, "fuel_pressure_high")
	assert.Contains(t, slugs, "accelerator_opening_angle")
	assert.NotContains(t, slugs, "some_unused")
}

func TestSelectProfileFastMatchesDisambiguatedSuffix(t *testing.T) {
	params := []ParamDef{
		{ID: "AFR Sensor 1 (dup)", TopicSlug: "afr_sensor_1_2"},
		{ID: "Some Unused", TopicSlug: "some_unused"},
	}
	got := SelectProfile(params, "fast")
	require.Len(t, got, 1)
	assert.Equal(t, "afr_sensor_1_2", got[0].TopicSlug)
}

func TestSelectProfileFallsBackToFullSetWhenNothingMatches(t *testing.T) {
	params := []ParamDef{
		{ID: "Some Unused", TopicSlug: "some_unused"},
	}
	got := SelectProfile(params, "fast")
	assert.Equal(t, params, got)
}

func TestSelectProfileNonFastReturnsEverything(t *testing.T) {
	params := []ParamDef{
		{ID: "Some Unused", TopicSlug: "some_unused"},
	}
	got := SelectProfile(params, "")
	assert.Equal(t, params, got)
}
