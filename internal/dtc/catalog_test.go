package dtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagbytesOfLen(n int, sets ...[2]int) []byte {
	b := make([]byte, n)
	for _, s := range sets {
		byteIdx, bitIdx := s[0], s[1]
		b[byteIdx] |= 1 << uint(bitIdx)
	}
	return b
}

func TestEnumerateAddrPairsNonOBD2(t *testing.T) {
	flagbytes := flagbytesOfLen(30, [2]int{29, 7})
	fmtObd2, pairs := EnumerateSupportedAddrPairs(flagbytes)
	require.False(t, fmtObd2)
	assert.Len(t, pairs, 0x98-0x8E+1)
	for _, p := range pairs {
		assert.True(t, p.Curr >= 0x8E && p.Curr <= 0x98)
		assert.Equal(t, p.Curr+22, p.Hist)
	}
}

func TestEnumerateAddrPairsExtendedBlocks(t *testing.T) {
	flagbytes := flagbytesOfLen(40, [2]int{29, 4}, [2]int{28, 0}, [2]int{39, 7})
	fmtObd2, pairs := EnumerateSupportedAddrPairs(flagbytes)
	require.True(t, fmtObd2)

	want := map[[2]uint32]bool{}
	for a := uint32(0x8E); a <= 0xAD; a++ {
		want[[2]uint32{a, a + 32}] = true
	}
	for a := uint32(0xF0); a <= 0xF3; a++ {
		want[[2]uint32{a, a + 4}] = true
	}
	for a := uint32(0x123); a <= 0x12A; a++ {
		want[[2]uint32{a, a + 8}] = true
	}

	assert.Len(t, pairs, len(want))
	for _, p := range pairs {
		assert.True(t, want[[2]uint32{p.Curr, p.Hist}], "unexpected pair %v", p)
	}
}

func TestEnumerateAddrPairsFallback(t *testing.T) {
	flagbytes := flagbytesOfLen(10) // all bits clear, OBD2-style, nothing set
	fmtObd2, pairs := EnumerateSupportedAddrPairs(flagbytes)
	require.True(t, fmtObd2)
	assert.Len(t, pairs, 0xAD-0x8E+1)
}

func TestDecodeHitsSuppressesEmptyEntry(t *testing.T) {
	entries := []Entry{
		{CurrAddr: 0x0090, HistAddr: 0x00A6, Bit: 1, Code: "", Title: ""},
		{CurrAddr: 0x0090, HistAddr: 0x00A6, Bit: 2, Code: "P0031", Title: "HO2S-11 heater control circuit low"},
	}
	cat := NewCatalog(entries)
	pairs := []AddrPair{{Curr: 0x0090, Hist: 0x00A6}}
	values := map[uint32]byte{0x0090: 0x03} // bits 1 and 2 set

	hits := cat.DecodeHits(pairs, values, false)
	require.Len(t, hits, 1)
	assert.Equal(t, "P0031", hits[0].Code)
	assert.Equal(t, 2, hits[0].Bit)
}

func TestDecodeHitsUnknownBitEmitsPlaceholder(t *testing.T) {
	cat := NewCatalog(nil)
	pairs := []AddrPair{{Curr: 0x10, Hist: 0x20}}
	values := map[uint32]byte{0x10: 0x01}

	hits := cat.DecodeHits(pairs, values, false)
	require.Len(t, hits, 1)
	assert.Equal(t, "???", hits[0].Code)
}

func TestDecodeHitsCurrentVsHistoricView(t *testing.T) {
	entries := []Entry{
		{CurrAddr: 0x0090, HistAddr: 0x00A6, Bit: 2, Code: "P0031", Title: "HO2S-11 heater control circuit low"},
	}
	cat := NewCatalog(entries)
	pairs := []AddrPair{{Curr: 0x0090, Hist: 0x00A6}}
	values := map[uint32]byte{0x0090: 0x02, 0x00A6: 0x00}

	current := cat.DecodeHits(pairs, values, false)
	historic := cat.DecodeHits(pairs, values, true)
	assert.Len(t, current, 1)
	assert.Len(t, historic, 0)
}

func TestParseRawDefsExtractsEntries(t *testing.T) {
	src := `
const QStringList SSMFlagbyteDefinitions_en::_DTC_OBD_defs_en =
  QStringList()
    << "000090;0000A6;2;P0031;HO2S-11 heater control circuit low"
    << "0000F0;0000F4;1;P0100;Mass air flow circuit malfunction";
`
	entries, err := ParseRawDefs(src, "_DTC_OBD_defs_en")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(0x90), entries[0].CurrAddr)
	assert.Equal(t, uint32(0xA6), entries[0].HistAddr)
	assert.Equal(t, 2, entries[0].Bit)
	assert.Equal(t, "P0031", entries[0].Code)
}

func TestAddrSetDedupsAndSorts(t *testing.T) {
	pairs := []AddrPair{{Curr: 5, Hist: 1}, {Curr: 1, Hist: 5}}
	addrs := AddrSet(pairs)
	assert.Equal(t, []uint32{1, 5}, addrs)
}
