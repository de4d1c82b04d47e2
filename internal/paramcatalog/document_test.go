package paramcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
<logger>
  <logprotocols>
    <logprotocol type="SSM">
      <ecu type="BASE" id="">
        <parameter id="Engine Speed" offset="0x000E" length="2" storagetype="uint16" metric="rpm"/>
      </ecu>
      <ecu type="WRX04" id="A2AA2010" include="BASE">
        <parameter id="Coolant Temperature" offset="0x0008" length="1" storagetype="uint8" metric="C" expr="value - 40"/>
      </ecu>
      <ecu type="WRX04STI" id="A2FF2010" include="WRX04">
        <parameter id="Boost Pressure" offset="0x0012" length="1" storagetype="int8" metric="psi"/>
      </ecu>
    </logprotocol>
    <logprotocol type="OTHER">
      <ecu type="IGNORED" id="ZZZZZZZ">
        <parameter id="Should Not Appear" offset="0x0001" length="1" storagetype="uint8"/>
      </ecu>
    </logprotocol>
  </logprotocols>
</logger>
`

func loadSampleDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := LoadBytes([]byte(sampleDoc))
	require.NoError(t, err)
	return doc
}

func TestLoadBytesFiltersToSSMProtocol(t *testing.T) {
	doc := loadSampleDoc(t)
	_, err := doc.FindECU("ZZZZZZZ")
	assert.Error(t, err)
}

func TestFindECUExactMatch(t *testing.T) {
	doc := loadSampleDoc(t)
	ecu, err := doc.FindECU("A2AA2010")
	require.NoError(t, err)
	assert.Equal(t, "WRX04", ecu.Type)
}

func TestFindECUWildcardMatch(t *testing.T) {
	doc := loadSampleDoc(t)
	// A2FF2010 has one wildcard pair (FF) vs exact A2AA2010; a ROM id that
	// only the wildcard entry could match should resolve to it.
	ecu, err := doc.FindECU("A2CC2010")
	require.NoError(t, err)
	assert.Equal(t, "WRX04STI", ecu.Type)
}

func TestFindECUNoMatchErrors(t *testing.T) {
	doc := loadSampleDoc(t)
	_, err := doc.FindECU("000000")
	assert.Error(t, err)
}

func TestResolveParamsIncludesParentDepthFirstDedup(t *testing.T) {
	doc := loadSampleDoc(t)
	ecu, err := doc.FindECU("A2FF2010")
	require.NoError(t, err)

	params := doc.resolveParams(ecu)
	var ids []string
	for _, p := range params {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"Boost Pressure", "Coolant Temperature", "Engine Speed"}, ids)
}

func TestBuildForRomEndToEnd(t *testing.T) {
	doc := loadSampleDoc(t)
	params, err := BuildForRom(doc, "A2FF2010", "")
	require.NoError(t, err)
	require.Len(t, params, 3)

	byID := map[string]ParamDef{}
	for _, p := range params {
		byID[p.ID] = p
	}

	coolant := byID["Coolant Temperature"]
	v, err := coolant.Decode([]byte{140}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(100), v)

	boost := byID["Boost Pressure"]
	assert.Equal(t, 1, boost.Size)
	assert.True(t, boost.Signed)
}

func TestBuildForRomDefaultsMissingDecimalsToThree(t *testing.T) {
	// None of sampleDoc's parameters carry a decimals attribute, matching
	// most real RomRaider definitions, which omit it and rely on the
	// reference loader's decimals=3 default.
	doc := loadSampleDoc(t)
	params, err := BuildForRom(doc, "A2FF2010", "")
	require.NoError(t, err)
	for _, p := range params {
		assert.Equal(t, 3, p.Decimals, "param %s", p.ID)
	}
}
