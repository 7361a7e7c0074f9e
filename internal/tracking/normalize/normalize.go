// Package normalize converts raw telemetry payloads into the canonical
// NormalizedPosition shape. Two wire dialects are supported: the flat
// lower-case "poll" dialect returned by the positions endpoint, and the
// upper-case "stream" dialect used by push updates and gateway frames.
// The dialect is detected by discriminating fields and each field is then
// resolved through a fixed fallback chain; callers never need to know which
// dialect arrived.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tracker-monitor/internal/tracking/domain"
)

// Dialect tags a recognized payload shape.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectPoll
	DialectStream
)

func (d Dialect) String() string {
	switch d {
	case DialectPoll:
		return "poll"
	case DialectStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Field fallback chains, tried in order; the first present-and-parseable
// value wins. Chains are fixed per dialect so overlapping payloads cannot be
// misparsed by shape guessing.
var (
	pollDeviceKeys = []string{"deviceId", "device_id"}
	pollTimeKeys   = []string{"timelastposition", "lastUpdate"}

	streamDeviceKeys = []string{"DEVICE_ID", "device_id", "IMEI"}
	streamLatKeys    = []string{"LATITUD", "LAT"}
	streamLonKeys    = []string{"LONGITUD", "LON"}
	streamSpeedKeys  = []string{"SPD", "SPEED"}
	streamAltKeys    = []string{"ALTITUDE", "ALT"}
	streamOdoKeys    = []string{"KILOMETERS", "ODOMETER"}
	streamBattKeys   = []string{"main_battery_voltage", "BATTERY"}
	streamTimeKeys   = []string{"gps_datetime", "GPS_DATETIME", "DATETIME"}
)

// Normalize decodes a raw payload and converts it. Malformed JSON is a parse
// error; a decodable record that resolves to neither a device id nor any
// coordinate is a *domain.RejectError.
func Normalize(raw []byte) (domain.NormalizedPosition, error) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.NormalizedPosition{}, fmt.Errorf("decode payload: %w", err)
	}
	return FromRecord(rec, raw)
}

// FromRecord converts an already-decoded record.
func FromRecord(rec map[string]any, raw json.RawMessage) (domain.NormalizedPosition, error) {
	dialect, fields := detect(rec)

	var pos domain.NormalizedPosition
	switch dialect {
	case DialectPoll:
		pos = fromPoll(fields)
	case DialectStream:
		pos = fromStream(fields)
	default:
		return domain.NormalizedPosition{}, domain.ErrUnknownDialect
	}

	if pos.DeviceID == "" && pos.Latitude == nil && pos.Longitude == nil {
		return domain.NormalizedPosition{}, &domain.RejectError{Reason: "no resolvable device id or coordinates"}
	}

	pos.Raw = raw
	pos.Status = statusFor(pos)
	return pos, nil
}

// ExtractStreamData pulls the telemetry object out of a push-stream envelope.
func ExtractStreamData(message []byte) (map[string]any, error) {
	var envelope map[string]any
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	data, ok := envelope["data"].(map[string]any)
	if !ok || data == nil {
		return nil, domain.ErrMissingEnvelope
	}
	return data, nil
}

// detect picks the dialect and the record holding its fields. Stream records
// may arrive bare or nested under a data envelope.
func detect(rec map[string]any) (Dialect, map[string]any) {
	if data, ok := rec["data"].(map[string]any); ok && data != nil {
		return DialectStream, data
	}
	for _, k := range []string{"LATITUD", "LONGITUD", "LAT", "LON", "DEVICE_ID"} {
		if _, ok := rec[k]; ok {
			return DialectStream, rec
		}
	}
	for _, k := range []string{"deviceId", "device_id", "latitude", "longitude", "timelastposition"} {
		if _, ok := rec[k]; ok {
			return DialectPoll, rec
		}
	}
	return DialectUnknown, nil
}

func fromPoll(rec map[string]any) domain.NormalizedPosition {
	return domain.NormalizedPosition{
		DeviceID:       stringAt(rec, pollDeviceKeys...),
		Latitude:       optFloatAt(rec, "latitude"),
		Longitude:      optFloatAt(rec, "longitude"),
		Speed:          floatAt(rec, "speed"),
		Altitude:       floatAt(rec, "altitude"),
		Odometer:       floatAt(rec, "odometer"),
		BatteryVoltage: floatAt(rec, "battery"),
		Fix:            boolAt(rec, "fix"),
		Course:         optFloatAt(rec, "course"),
		CapturedAt:     timeAt(rec, pollTimeKeys...),
	}
}

func fromStream(rec map[string]any) domain.NormalizedPosition {
	return domain.NormalizedPosition{
		DeviceID:       stringAt(rec, streamDeviceKeys...),
		Latitude:       optFloatAt(rec, streamLatKeys...),
		Longitude:      optFloatAt(rec, streamLonKeys...),
		Speed:          floatAt(rec, streamSpeedKeys...),
		Altitude:       floatAt(rec, streamAltKeys...),
		Odometer:       floatAt(rec, streamOdoKeys...),
		BatteryVoltage: floatAt(rec, streamBattKeys...),
		Fix:            boolAt(rec, "FIX_"),
		Course:         optFloatAt(rec, "COURSE"),
		CapturedAt:     timeAt(rec, streamTimeKeys...),
	}
}

// statusFor computes connectivity from coordinate presence only. Whatever
// status the source reported stays in Raw and is never authoritative.
func statusFor(pos domain.NormalizedPosition) string {
	if pos.HasCoordinates() {
		return domain.StatusActive
	}
	return domain.StatusInactive
}

// ----- defensive coercion helpers -----

func stringAt(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			// some gateways send numeric device ids
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// parseFloat accepts JSON numbers and numeric strings; anything else fails.
func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// floatAt resolves a non-geo numeric field; failed parses default to 0.
func floatAt(rec map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if f, ok := parseFloat(v); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f
			}
		}
	}
	return 0
}

// optFloatAt resolves an optional numeric field (coordinates, course);
// missing or unparseable values become nil, never NaN.
func optFloatAt(rec map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if f, ok := parseFloat(v); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return &f
			}
		}
	}
	return nil
}

// boolAt reads a fix flag; trackers report it as bool, 0/1 or "0"/"1".
func boolAt(rec map[string]any, keys ...string) *bool {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case bool:
			b := v
			return &b
		case float64:
			b := v != 0
			return &b
		case string:
			switch strings.TrimSpace(v) {
			case "1", "true", "TRUE":
				b := true
				return &b
			case "0", "false", "FALSE":
				b := false
				return &b
			}
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// timeAt resolves a capture timestamp; absent or unparseable values yield the
// zero time and the merge path stamps "now" instead.
func timeAt(rec map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts
				}
			}
		case float64:
			// unix seconds, the occasional gateway format
			if v > 0 {
				return time.Unix(int64(v), 0).UTC()
			}
		}
	}
	return time.Time{}
}
