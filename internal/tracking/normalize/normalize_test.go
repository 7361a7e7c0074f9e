package normalize

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-monitor/internal/tracking/domain"
)

func TestNormalizePollDialect(t *testing.T) {
	raw := []byte(`{
		"deviceId": "0848063597",
		"latitude": "19.4326",
		"longitude": "-99.1332",
		"speed": 42.5,
		"battery": "12.6",
		"altitude": 2240,
		"timelastposition": "2026-08-30T11:22:33Z",
		"status": "Apagado"
	}`)

	pos, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "0848063597", pos.DeviceID)
	require.NotNil(t, pos.Latitude)
	require.NotNil(t, pos.Longitude)
	assert.InDelta(t, 19.4326, *pos.Latitude, 1e-9)
	assert.InDelta(t, -99.1332, *pos.Longitude, 1e-9)
	assert.Equal(t, 42.5, pos.Speed)
	assert.Equal(t, 12.6, pos.BatteryVoltage)
	assert.Equal(t, 2240.0, pos.Altitude)
	assert.Equal(t, "2026-08-30T11:22:33Z", pos.CapturedAt.Format("2006-01-02T15:04:05Z07:00"))

	// source status is informational only; coordinates decide
	assert.Equal(t, domain.StatusActive, pos.Status)

	// fix and course are unknown in the poll dialect
	assert.Nil(t, pos.Fix)
	assert.Nil(t, pos.Course)
}

func TestNormalizeStreamDialect(t *testing.T) {
	raw := []byte(`{
		"DEVICE_ID": "867564050638581",
		"LATITUD": "19.43",
		"LONGITUD": "-99.13",
		"SPD": "61",
		"KILOMETERS": "120345.7",
		"ALTITUDE": "2250",
		"FIX_": "1",
		"COURSE": "184.5"
	}`)

	pos, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "867564050638581", pos.DeviceID)
	require.NotNil(t, pos.Latitude)
	assert.InDelta(t, 19.43, *pos.Latitude, 1e-9)
	assert.Equal(t, 61.0, pos.Speed)
	assert.Equal(t, 120345.7, pos.Odometer)
	assert.Equal(t, 2250.0, pos.Altitude)
	require.NotNil(t, pos.Fix)
	assert.True(t, *pos.Fix)
	require.NotNil(t, pos.Course)
	assert.Equal(t, 184.5, *pos.Course)
	assert.Equal(t, domain.StatusActive, pos.Status)

	// the stream dialect never carries a battery reading
	assert.Equal(t, 0.0, pos.BatteryVoltage)
}

func TestNormalizeStreamEnvelopeAndRawFallback(t *testing.T) {
	// nested raw-protocol fields under a data envelope
	raw := []byte(`{"data": {"DEVICE_ID": "X1", "LAT": 10.5, "LON": 20.25}}`)

	pos, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "X1", pos.DeviceID)
	require.NotNil(t, pos.Latitude)
	assert.Equal(t, 10.5, *pos.Latitude)
	require.NotNil(t, pos.Longitude)
	assert.Equal(t, 20.25, *pos.Longitude)

	// LATITUD wins over LAT when both are present
	raw = []byte(`{"LATITUD": "1.5", "LAT": "99", "LONGITUD": "2.5", "DEVICE_ID": "X1"}`)
	pos, err = Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.5, *pos.Latitude)
}

func TestStatusComputedFromCoordinates(t *testing.T) {
	tests := []struct {
		name   string
		lat    any
		lon    any
		status string
	}{
		{"both present", "19.4", "-99.1", domain.StatusActive},
		{"missing longitude", "19.4", nil, domain.StatusInactive},
		{"missing latitude", nil, "-99.1", domain.StatusInactive},
		{"both missing", nil, nil, domain.StatusInactive},
		{"garbage latitude", "not-a-number", "-99.1", domain.StatusInactive},
		{"nan latitude", "NaN", "-99.1", domain.StatusInactive},
		{"infinite longitude", "19.4", "Inf", domain.StatusInactive},
		{"zero zero is still a position", 0.0, 0.0, domain.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := map[string]any{"deviceId": "D1"}
			if tt.lat != nil {
				rec["latitude"] = tt.lat
			}
			if tt.lon != nil {
				rec["longitude"] = tt.lon
			}

			pos, err := FromRecord(rec, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.status, pos.Status)
			if tt.status == domain.StatusInactive {
				// a failed geo parse must never surface as NaN
				if pos.Latitude != nil {
					assert.False(t, *pos.Latitude != *pos.Latitude)
				}
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte(`{"deviceId":"A","latitude":"19.4","longitude":"-99.1","speed":"33","battery":12.1,"timelastposition":"2026-08-30T10:00:00Z"}`),
		[]byte(`{"data":{"DEVICE_ID":"B","LATITUD":"1.25","LONGITUD":"2.5","SPD":"10","FIX_":"1","COURSE":"90","gps_datetime":"2026-08-30T10:00:00Z"}}`),
	} {
		first, err := Normalize(raw)
		require.NoError(t, err)

		reencoded, err := json.Marshal(first)
		require.NoError(t, err)

		second, err := Normalize(reencoded)
		require.NoError(t, err)

		diff := cmp.Diff(first, second, cmpopts.IgnoreFields(domain.NormalizedPosition{}, "Raw"))
		assert.Empty(t, diff, "normalize(normalize(x)) differs: %s", diff)
	}
}

func TestNormalizeRejects(t *testing.T) {
	// decodable record with neither a device id nor a coordinate
	_, err := Normalize([]byte(`{"speed": "44", "status": "ok"}`))
	require.Error(t, err)
	assert.True(t, err == domain.ErrUnknownDialect || domain.IsReject(err))

	// known dialect, nothing resolvable
	_, err = FromRecord(map[string]any{"deviceId": "", "latitude": "garbage"}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsReject(err))

	// malformed JSON is a parse error, not a reject
	_, err = Normalize([]byte(`{not json`))
	require.Error(t, err)
	assert.False(t, domain.IsReject(err))
}

func TestNormalizeDeviceIDOnlyIsNotRejected(t *testing.T) {
	pos, err := Normalize([]byte(`{"data":{"DEVICE_ID":"X2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "X2", pos.DeviceID)
	assert.Nil(t, pos.Latitude)
	assert.Nil(t, pos.Longitude)
	assert.Equal(t, domain.StatusInactive, pos.Status)
	assert.Equal(t, 0.0, pos.Speed)
	assert.Equal(t, 0.0, pos.BatteryVoltage)
}

func TestExtractStreamData(t *testing.T) {
	data, err := ExtractStreamData([]byte(`{"data":{"DEVICE_ID":"X"}}`))
	require.NoError(t, err)
	assert.Equal(t, "X", data["DEVICE_ID"])

	_, err = ExtractStreamData([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, domain.ErrMissingEnvelope)

	_, err = ExtractStreamData([]byte(`not json at all`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMissingEnvelope)
}

func TestNumericDeviceID(t *testing.T) {
	pos, err := Normalize([]byte(`{"data":{"DEVICE_ID": 848063597, "LATITUD": 1, "LONGITUD": 2}}`))
	require.NoError(t, err)
	assert.Equal(t, "848063597", pos.DeviceID)
}
