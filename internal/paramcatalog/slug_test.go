package paramcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugifyBasic(t *testing.T) {
	assert.Equal(t, "engine_speed", Slugify("Engine Speed"))
	assert.Equal(t, "coolant_temperature", Slugify("Coolant Temperature"))
}

func TestSlugifyDomainSubstitutions(t *testing.T) {
	assert.Equal(t, "afr_sensor_1", Slugify("Air/Fuel Sensor 1"))
	assert.Equal(t, "battery_v", Slugify("Battery Voltage"))
	assert.Equal(t, "load_pct", Slugify("Load %"))
}

func TestSlugifyCollapsesPunctuationAndTrims(t *testing.T) {
	assert.Equal(t, "a_b", Slugify("  A -- B!! "))
}

func TestDisambiguateSlugsAppendsSuffixInFirstSeenOrder(t *testing.T) {
	params := []ParamDef{
		{ID: "A", TopicSlug: "dup"},
		{ID: "B", TopicSlug: "dup"},
		{ID: "C", TopicSlug: "dup"},
		{ID: "D", TopicSlug: "unique"},
	}
	DisambiguateSlugs(params)

	assert.Equal(t, "dup", params[0].TopicSlug)
	assert.Equal(t, "dup_2", params[1].TopicSlug)
	assert.Equal(t, "dup_3", params[2].TopicSlug)
	assert.Equal(t, "unique", params[3].TopicSlug)
}
