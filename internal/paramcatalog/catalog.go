package paramcatalog

import (
	"strconv"
)

// BuildForRom resolves doc into an ordered, decode-ready parameter list for
// the given ROM id and logging profile ("fast" or "" for the full set).
// Expressions that fail the sandbox silently fall back to the raw decoded
// value, mirroring the catalog's tolerance for a handful of unsupported
// legacy expressions rather than failing the whole load.
func BuildForRom(doc *Document, romIDHex string, profile string) ([]ParamDef, error) {
	ecu, err := doc.FindECU(romIDHex)
	if err != nil {
		return nil, err
	}

	xmlParams := doc.resolveParams(ecu)
	params := make([]ParamDef, 0, len(xmlParams))

	for _, xp := range xmlParams {
		pd, ok := buildParamDef(xp)
		if !ok {
			continue
		}
		params = append(params, pd)
	}

	slugged := make([]ParamDef, len(params))
	copy(slugged, params)
	for i := range slugged {
		slugged[i].TopicSlug = Slugify(slugged[i].ID)
	}
	DisambiguateSlugs(slugged)

	return SelectProfile(slugged, profile), nil
}

func buildParamDef(xp xmlParameter) (ParamDef, bool) {
	if xp.ID == "" {
		return ParamDef{}, false
	}

	addr, ok := parseAddr(xp.Offset)
	if !ok {
		return ParamDef{}, false
	}

	pd := ParamDef{
		ID:       xp.ID,
		Addr:     addr,
		Unit:     xp.Unit,
		Decimals: parseDecimals(xp.Decimals),
		Bit:      parseIntOrZero(xp.Bit),
		Expr:     xp.Expr,
	}

	if pd.Bit > 0 {
		pd.Size = 1
		return pd, true
	}

	size, signed, ok := storageTypeSizeAndSign(xp.StorageType)
	if !ok {
		return ParamDef{}, false
	}
	pd.Size = size
	pd.Signed = signed

	if xp.Expr != "" {
		if compiled, ok := CompileExpr(xp.Expr); ok {
			pd.compiled = compiled
		}
	}

	return pd, true
}

func parseIntOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// parseDecimals parses the decimals attribute, defaulting to 3 (not 0)
// when it's absent or malformed — most RomRaider parameter defs omit it
// entirely, relying on that default to keep physical values like AFR and
// ignition timing from truncating to whole numbers.
func parseDecimals(raw string) int {
	if raw == "" {
		return 3
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 3
	}
	return n
}
