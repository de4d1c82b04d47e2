package gpsingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixRequiresLatLon(t *testing.T) {
	_, err := ParseFix([]byte(`{"sats":7}`))
	assert.Error(t, err)
}

func TestParseFixMinimal(t *testing.T) {
	fix, err := ParseFix([]byte(`{"lat":45.1,"lon":-122.5}`))
	require.NoError(t, err)
	assert.Equal(t, 45.1, fix.Lat)
	assert.Equal(t, -122.5, fix.Lon)
	assert.Nil(t, fix.Sats)
	assert.Nil(t, fix.Hdop)
}

func TestParseFixCarriesOptionalFields(t *testing.T) {
	fix, err := ParseFix([]byte(`{"lat":1,"lon":2,"sats":9,"hdop":0.8,"alt_m":120.5,"speed_mps":12.3,"track_deg":88,"ts_ns":1700000000000000000,"fixq":4}`))
	require.NoError(t, err)
	require.NotNil(t, fix.Sats)
	assert.Equal(t, 9, *fix.Sats)
	require.NotNil(t, fix.Hdop)
	assert.InDelta(t, 0.8, *fix.Hdop, 0.0001)
	require.NotNil(t, fix.FixQuality)
	assert.Equal(t, 4, *fix.FixQuality)
}

func TestParseFixRejectsMalformedJSON(t *testing.T) {
	_, err := ParseFix([]byte(`not json`))
	assert.Error(t, err)
}
