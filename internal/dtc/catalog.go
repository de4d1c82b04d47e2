// Package dtc enumerates and decodes Subaru SSM2 diagnostic trouble codes:
// the address-pair selection logic mirrors FreeSSM's flagbyte-driven
// setupDiagnosticCodes(), and the bit->code/title table is parsed directly
// out of FreeSSM's vendored English definitions source.
package dtc

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

// Entry is one bit->code/title mapping, keyed by the (current, historic)
// address pair and the 1..8 bit position.
type Entry struct {
	CurrAddr uint32
	HistAddr uint32
	Bit      int
	Code     string
	Title    string
}

type entryKey struct {
	curr uint32
	hist uint32
	bit  int
}

// Hit is one decoded DTC observation.
type Hit struct {
	Addr  uint32
	Bit   int
	Code  string
	Title string
}

var defEntryPattern = regexp.MustCompile(`<<\s*"([0-9A-Fa-f]{6};[0-9A-Fa-f]{6};[1-8];[^"]*)"`)

// ParseRawDefs extracts the literal-array entries for one symbol
// (_DTC_OBD_defs_en or _DTC_SUBARU_defs_en) out of the raw FreeSSM C++
// definitions source text.
func ParseRawDefs(text, symbolName string) ([]Entry, error) {
	marker := fmt.Sprintf("const QStringList SSMFlagbyteDefinitions_en::%s =", symbolName)
	start := strings.Index(text, marker)
	if start < 0 {
		return nil, telemetryerrors.New("dtc.parse_raw_defs", telemetryerrors.KindConfigError,
			fmt.Sprintf("could not find %s", symbolName))
	}
	block := text[start:]
	if end := strings.Index(block, ";\n"); end > 0 {
		block = block[:end+2]
	}

	matches := defEntryPattern.FindAllStringSubmatch(block, -1)
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		parts := strings.SplitN(m[1], ";", 5)
		if len(parts) != 5 {
			continue
		}
		currHex, histHex, bitText, code, title := parts[0], parts[1], parts[2], parts[3], parts[4]
		curr, err := strconv.ParseUint(currHex, 16, 32)
		if err != nil {
			continue
		}
		hist, err := strconv.ParseUint(histHex, 16, 32)
		if err != nil {
			continue
		}
		bit, err := strconv.Atoi(bitText)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			CurrAddr: uint32(curr),
			HistAddr: uint32(hist),
			Bit:      bit,
			Code:     strings.TrimSpace(code),
			Title:    strings.TrimSpace(title),
		})
	}
	if len(entries) == 0 {
		return nil, telemetryerrors.New("dtc.parse_raw_defs", telemetryerrors.KindConfigError,
			fmt.Sprintf("no entries parsed for %s", symbolName))
	}
	return entries, nil
}

// LoadRawDefsFile reads defsPath and parses the given symbol's entries.
func LoadRawDefsFile(defsPath, symbolName string) ([]Entry, error) {
	data, err := os.ReadFile(defsPath)
	if err != nil {
		return nil, telemetryerrors.Wrap("dtc.load_defs", telemetryerrors.KindConfigError, err)
	}
	return ParseRawDefs(string(data), symbolName)
}

// AddrPair is a (current, historic) address pair supported by the ECU.
type AddrPair struct {
	Curr uint32
	Hist uint32
}

func flagbyteBit(flagbytes []byte, byteIndex, bitIndex int) bool {
	if byteIndex < 0 || byteIndex >= len(flagbytes) {
		return false
	}
	if bitIndex < 0 || bitIndex > 7 {
		return false
	}
	return flagbytes[byteIndex]&(1<<uint(bitIndex)) != 0
}

// EnumerateSupportedAddrPairs mirrors FreeSSM's setupDiagnosticCodes()
// address selection logic exactly, including its conservative fallback.
func EnumerateSupportedAddrPairs(flagbytes []byte) (fmtObd2 bool, pairs []AddrPair) {
	addRange := func(start, end int, histDelta uint32) {
		for addr := start; addr <= end; addr++ {
			pairs = append(pairs, AddrPair{Curr: uint32(addr), Hist: uint32(addr) + histDelta})
		}
	}

	fmtObd2 = !flagbyteBit(flagbytes, 29, 7)
	if !fmtObd2 {
		addRange(0x8E, 0x98, 22)
		return fmtObd2, pairs
	}

	if flagbyteBit(flagbytes, 29, 4) || flagbyteBit(flagbytes, 29, 6) {
		addRange(0x8E, 0xAD, 32)
	}
	if flagbyteBit(flagbytes, 28, 0) {
		addRange(0xF0, 0xF3, 4)
	}

	if len(flagbytes) > 32 {
		if flagbyteBit(flagbytes, 39, 7) {
			addRange(0x123, 0x12A, 8)
		}
		if flagbyteBit(flagbytes, 39, 6) {
			addRange(0x150, 0x154, 5)
		}
		if flagbyteBit(flagbytes, 39, 5) {
			addRange(0x160, 0x164, 5)
		}
		if flagbyteBit(flagbytes, 39, 4) {
			addRange(0x174, 0x17A, 7)
		}

		if len(flagbytes) > 48 {
			if flagbyteBit(flagbytes, 50, 6) {
				addRange(0x1C1, 0x1C6, 6)
				addRange(0x20A, 0x20D, 4)
			}
			if flagbyteBit(flagbytes, 50, 5) {
				addRange(0x263, 0x267, 5)
			}
		}
	}

	if len(pairs) == 0 {
		addRange(0x8E, 0xAD, 32)
	}
	return fmtObd2, pairs
}

// DefsSymbolFor returns the FreeSSM definitions symbol to load for a given
// address format.
func DefsSymbolFor(fmtObd2 bool) string {
	if fmtObd2 {
		return "_DTC_OBD_defs_en"
	}
	return "_DTC_SUBARU_defs_en"
}

// Catalog is an indexed set of Entry, keyed by (curr, hist, bit).
type Catalog struct {
	byKey map[entryKey]Entry
}

// NewCatalog indexes entries for DecodeHits lookups.
func NewCatalog(entries []Entry) *Catalog {
	byKey := make(map[entryKey]Entry, len(entries))
	for _, e := range entries {
		byKey[entryKey{e.CurrAddr, e.HistAddr, e.Bit}] = e
	}
	return &Catalog{byKey: byKey}
}

// DecodeHits walks each address pair and each bit of the chosen byte
// (current or historic, per useHist), looks up the catalog entry, and
// emits a Hit — unless the entry exists and is explicitly suppressed (empty
// code and empty title). Unknown bits still emit a "???" placeholder. Hits
// are returned sorted by (code, addr, bit, title).
func (c *Catalog) DecodeHits(pairs []AddrPair, values map[uint32]byte, useHist bool) []Hit {
	var hits []Hit
	for _, pair := range pairs {
		addr := pair.Curr
		if useHist {
			addr = pair.Hist
		}
		databyte, ok := values[addr]
		if !ok {
			continue
		}
		for bit0 := 0; bit0 < 8; bit0++ {
			if databyte&(1<<uint(bit0)) == 0 {
				continue
			}
			bit := bit0 + 1
			entry, found := c.byKey[entryKey{pair.Curr, pair.Hist, bit}]
			switch {
			case !found:
				hits = append(hits, Hit{
					Addr:  addr,
					Bit:   bit,
					Code:  "???",
					Title: fmt.Sprintf("Unknown DTC bit (0x%04X/0x%04X bit %d)", pair.Curr, pair.Hist, bit),
				})
			case entry.Code == "" && entry.Title == "":
				// Explicitly suppressed entry in the definitions table.
				continue
			default:
				code := entry.Code
				if code == "" {
					code = "???"
				}
				title := entry.Title
				if title == "" {
					title = "(no description)"
				}
				hits = append(hits, Hit{Addr: addr, Bit: bit, Code: code, Title: title})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Addr != b.Addr {
			return a.Addr < b.Addr
		}
		if a.Bit != b.Bit {
			return a.Bit < b.Bit
		}
		return a.Title < b.Title
	})
	return hits
}

// AddrSet returns the deduplicated, sorted set of addresses referenced by
// pairs — the read list to pass to SSM2Client.ReadChunked.
func AddrSet(pairs []AddrPair) []uint32 {
	seen := make(map[uint32]struct{}, len(pairs)*2)
	for _, p := range pairs {
		seen[p.Curr] = struct{}{}
		seen[p.Hist] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
