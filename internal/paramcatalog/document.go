// Package paramcatalog loads a RomRaider-style SSM parameter definition
// document and, for a given ECU ROM id, resolves an ordered parameter list
// (address, width, storage sign, unit, decimal places, expression).
package paramcatalog

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nanoadmin/subaru-telemetry/internal/telemetryerrors"
)

// xmlDocument mirrors RomRaider's logger.xml/ecu_defs.xml dialect: the
// root element (name unconstrained — RomRaider documents vary) carries a
// <logprotocols> child holding one <logprotocol> per protocol.
type xmlDocument struct {
	XMLName      xml.Name
	LogProtocols xmlLogProtocols `xml:"logprotocols"`
}

type xmlLogProtocols struct {
	Protocols []xmlProtocol `xml:"logprotocol"`
}

type xmlProtocol struct {
	Type string   `xml:"type,attr"`
	ECUs []xmlECU `xml:"ecu"`
}

type xmlECU struct {
	Type       string         `xml:"type,attr"`
	ID         string         `xml:"id,attr"`
	Name       string         `xml:"name,attr"`
	Include    string         `xml:"include,attr"`
	Parameters []xmlParameter `xml:"parameter"`
}

type xmlParameter struct {
	ID          string `xml:"id,attr"`
	Offset      string `xml:"offset,attr"`
	Length      string `xml:"length,attr"`
	StorageType string `xml:"storagetype,attr"`
	Kind        string `xml:"type,attr"`
	Unit        string `xml:"metric,attr"`
	Decimals    string `xml:"decimals,attr"`
	Bit         string `xml:"bit,attr"`
	Expr        string `xml:"expr,attr"`
}

// Document is a loaded SSM parameter-definition document. Only the SSM
// protocol section is retained.
type Document struct {
	ecus       []xmlECU
	ecusByType map[string]*xmlECU
}

// Load reads and parses a parameter-definition document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, telemetryerrors.Wrap("paramcatalog.load", telemetryerrors.KindConfigError, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses a parameter-definition document already in memory.
func LoadBytes(data []byte) (*Document, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, telemetryerrors.Wrap("paramcatalog.load", telemetryerrors.KindConfigError, err)
	}

	var ecus []xmlECU
	for _, p := range doc.LogProtocols.Protocols {
		if p.Type != "SSM" {
			continue
		}
		ecus = append(ecus, p.ECUs...)
	}
	if len(ecus) == 0 {
		return nil, telemetryerrors.New("paramcatalog.load", telemetryerrors.KindConfigError,
			"no SSM protocol section found")
	}

	byType := make(map[string]*xmlECU, len(ecus))
	for i := range ecus {
		if ecus[i].Type != "" {
			byType[ecus[i].Type] = &ecus[i]
		}
	}
	return &Document{ecus: ecus, ecusByType: byType}, nil
}

// ECUType returns the matched ecu entry's type name for a ROM id (the
// value BuildForRom itself matches against internally), or "" if no entry
// matches. Used only for labeling telemetry output, not decoding.
func (d *Document) ECUType(romIDHex string) string {
	ecu, err := d.FindECU(romIDHex)
	if err != nil {
		return ""
	}
	return ecu.Type
}

// FindECU selects the ecu entry for a ROM id: an exact id match wins;
// otherwise the candidate whose id is the same length as romIDHex and
// consists of hex pairs equal to the target or the wildcard pair FF, with
// the fewest wildcard pairs, wins. Entries of type BASE or with an empty
// type are never selected as the match root (they may still serve as
// include parents).
func (d *Document) FindECU(romIDHex string) (*xmlECU, error) {
	romIDHex = strings.ToUpper(romIDHex)

	var best *xmlECU
	bestWildcards := -1

	for i := range d.ecus {
		e := &d.ecus[i]
		if e.Type == "" || e.Type == "BASE" {
			continue
		}
		id := strings.ToUpper(e.ID)
		if id == romIDHex {
			return e, nil
		}
		if len(id) != len(romIDHex) || len(id)%2 != 0 {
			continue
		}
		wildcards := 0
		match := true
		for p := 0; p < len(id); p += 2 {
			pair := id[p : p+2]
			target := romIDHex[p : p+2]
			if pair == "FF" {
				wildcards++
				continue
			}
			if pair != target {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if best == nil || wildcards < bestWildcards {
			best = e
			bestWildcards = wildcards
		}
	}

	if best == nil {
		return nil, telemetryerrors.New("paramcatalog.find_ecu", telemetryerrors.KindConfigError,
			fmt.Sprintf("no ecu entry matches rom id %s", romIDHex))
	}
	return best, nil
}

// resolveParams walks ecu's own parameters followed by each recursively
// included parent (depth-first, order-preserving), deduplicating by
// parameter id and keeping the first occurrence.
func (d *Document) resolveParams(ecu *xmlECU) []xmlParameter {
	seenIDs := make(map[string]bool)
	visitedTypes := make(map[string]bool)
	var out []xmlParameter

	var visit func(e *xmlECU)
	visit = func(e *xmlECU) {
		if e == nil {
			return
		}
		if e.Type != "" {
			if visitedTypes[e.Type] {
				return
			}
			visitedTypes[e.Type] = true
		}
		for _, p := range e.Parameters {
			if p.ID == "" || seenIDs[p.ID] {
				continue
			}
			seenIDs[p.ID] = true
			out = append(out, p)
		}
		if e.Include == "" {
			return
		}
		for _, parentType := range strings.Split(e.Include, ",") {
			parentType = strings.TrimSpace(parentType)
			if parentType == "" {
				continue
			}
			if parent, ok := d.ecusByType[parentType]; ok {
				visit(parent)
			}
		}
	}
	visit(ecu)
	return out
}

func storageTypeSizeAndSign(storageType string) (size int, signed bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(storageType)) {
	case "uint8":
		return 1, false, true
	case "int8":
		return 1, true, true
	case "uint16":
		return 2, false, true
	case "int16":
		return 2, true, true
	case "uint32":
		return 4, false, true
	case "int32":
		return 4, true, true
	default:
		return 0, false, false
	}
}

func parseAddr(raw string) (uint32, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
