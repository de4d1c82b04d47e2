package paramcatalog

import (
	"strconv"
	"strings"
)

// Slugify canonicalizes a parameter name into a topic slug: lowercase,
// a handful of domain substitutions, then non-alphanumerics collapsed to
// a single underscore and trimmed.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "air/fuel", "afr")
	s = strings.ReplaceAll(s, "a/f", "af")
	s = strings.ReplaceAll(s, "%", "pct")
	s = strings.ReplaceAll(s, "voltage", "v")

	var b strings.Builder
	lastWasSep := false
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastWasSep = false
			continue
		}
		if !lastWasSep {
			b.WriteByte('_')
			lastWasSep = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// DisambiguateSlugs rewrites duplicate slugs in place to slug_2, slug_3, ...
// in first-seen order, matching the order params were resolved in.
func DisambiguateSlugs(params []ParamDef) {
	counts := make(map[string]int, len(params))
	for i := range params {
		base := params[i].TopicSlug
		counts[base]++
		if n := counts[base]; n > 1 {
			params[i].TopicSlug = base + "_" + strconv.Itoa(n)
		}
	}
}
