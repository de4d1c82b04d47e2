package paramcatalog

import (
	"math"
)

// ParamDef is a fully resolved, ready-to-sample SSM parameter: the address
// range to read, how to decode the raw bytes, and an optional expression to
// transform the raw value into an engineering unit.
type ParamDef struct {
	ID        string
	TopicSlug string
	Addr      uint32
	Size      int
	Signed    bool
	Unit      string
	Decimals  int
	Bit       int // 1-based; 0 means this is not a boolean/flag parameter
	Expr      string

	compiled *CompiledExpr
}

// IsBoolean reports whether this parameter decodes via the single-bit fast
// path rather than the full byte/word value.
func (p *ParamDef) IsBoolean() bool {
	return p.Bit > 0
}

// Decode extracts the raw value from sample (a byte slice addressed at
// p.Addr, at least p.Size bytes long for non-boolean parameters, or at
// least 1 byte for boolean parameters) and, if an expression is compiled,
// applies it. If evaluating the expression fails, the raw value is used
// instead, so the returned error is always nil. resolved supplies
// already-decoded sibling values for getlogparam() lookups.
func (p *ParamDef) Decode(sample []byte, resolved map[string]float64) (float64, error) {
	if p.IsBoolean() {
		if len(sample) < 1 {
			return 0, nil
		}
		bitIndex := uint(p.Bit - 1)
		if (sample[0]>>bitIndex)&1 == 1 {
			return 1, nil
		}
		return 0, nil
	}

	raw := decodeStorageValue(sample, p.Size, p.Signed)

	if p.compiled != nil {
		if v, err := p.compiled.Eval(raw, resolved); err == nil {
			return roundToDecimals(v, p.Decimals), nil
		}
	}
	return roundToDecimals(raw, p.Decimals), nil
}

func decodeStorageValue(sample []byte, size int, signed bool) float64 {
	if len(sample) < size {
		return 0
	}
	var u uint32
	for i := 0; i < size; i++ {
		u = u<<8 | uint32(sample[i])
	}
	if !signed {
		return float64(u)
	}
	switch size {
	case 1:
		return float64(int8(u))
	case 2:
		return float64(int16(u))
	default:
		return float64(int32(u))
	}
}

func roundToDecimals(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	mul := math.Pow(10, float64(decimals))
	return math.Round(v*mul) / mul
}

// FastProfileTopics is the fixed allow-set for the "fast" logging
// profile: exact topic slugs, matched either directly or with a trailing
// "_<digits>" disambiguation suffix stripped (see baseTopic).
var FastProfileTopics = map[string]bool{
	"engine_speed":                    true,
	"vehicle_speed":                   true,
	"manifold_absolute_pressure":      true,
	"manifold_relative_pressure":      true,
	"throttle_opening_angle":          true,
	"accelerator_opening_angle":       true,
	"mass_air_flow":                   true,
	"intake_air_temperature":          true,
	"coolant_temperature":             true,
	"ignition_timing":                 true,
	"knock_correction":                true,
	"battery_v":                       true,
	"afr_sensor_1":                    true,
	"afr_correction_1":                true,
	"afr_learning_1":                  true,
	"fuel_injector_1_pulse_width":     true,
	"fuel_injector_2_pulse_width":     true,
	"primary_wastegate_duty_cycle":    true,
	"secondary_wastegate_duty_cycle":  true,
	"fuel_pressure_high":              true,
	"main_throttle_sensor":            true,
	"main_accelerator_sensor":         true,
}

// SelectProfile filters params down to those matching the named profile.
// Only "fast" restricts the set; any other profile (including the empty
// string) returns every parameter unchanged. If "fast" matches nothing,
// it falls back to the full parameter set rather than logging nothing.
func SelectProfile(params []ParamDef, profile string) []ParamDef {
	if profile != "fast" {
		return params
	}

	var filtered []ParamDef
	for _, p := range params {
		if matchesFastProfile(p.TopicSlug) {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return params
	}
	return filtered
}

func matchesFastProfile(slug string) bool {
	return FastProfileTopics[slug] || FastProfileTopics[baseTopic(slug)]
}

// baseTopic strips a trailing "_<digits>" disambiguation suffix (the one
// DisambiguateSlugs adds for repeated names) so a collision-renamed slug
// like "afr_sensor_1_2" still matches its un-renamed fast-profile topic.
func baseTopic(slug string) string {
	i := len(slug)
	for i > 0 && slug[i-1] >= '0' && slug[i-1] <= '9' {
		i--
	}
	if i == len(slug) || i == 0 || slug[i-1] != '_' {
		return slug
	}
	return slug[:i-1]
}
