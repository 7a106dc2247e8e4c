package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/illmade-knight/go-traffic/pkg/types"
)

// ErrMalformedPayload is returned for any payload that cannot be turned into
// a valid TrafficReport: invalid UTF-8, invalid JSON, a missing or
// non-coercible average_kmh, or an unparseable timestamp.
var ErrMalformedPayload = errors.New("malformed traffic payload")

// IdentityDefaults is the fallback table for the three identifying fields.
// A report missing one of these fields is accepted and the fallback value is
// substituted, matching the lenient behavior of the upstream feed.
type IdentityDefaults struct {
	CityName     string
	DistrictName string
	RoadName     string
}

// DefaultIdentity holds the substitutions applied by Decode.
var DefaultIdentity = IdentityDefaults{
	CityName:     "Unknown",
	DistrictName: "Unknown",
	RoadName:     "Unknown Road",
}

// TrafficReport is the validated form of an inbound sensor payload. It is
// also the wire format for outbound publishing, so the JSON tags match the
// inbound field names exactly.
type TrafficReport struct {
	CityName               string     `json:"city_name"`
	DistrictName           string     `json:"district_name"`
	RoadName               string     `json:"road_name"`
	AverageKMH             int        `json:"average_kmh"`
	KnownReason            *string    `json:"known_reason,omitempty"`
	ExpectedResolutionTime *time.Time `json:"expected_resolution_time,omitempty"`
}

// rawReport is the permissive intermediate shape used during decoding.
// average_kmh is kept raw so numeric and string encodings can both be coerced.
type rawReport struct {
	CityName               *string         `json:"city_name"`
	DistrictName           *string         `json:"district_name"`
	RoadName               *string         `json:"road_name"`
	AverageKMH             json.RawMessage `json:"average_kmh"`
	KnownReason            *string         `json:"known_reason"`
	ExpectedResolutionTime *string         `json:"expected_resolution_time"`
}

// Decode parses and validates a raw payload into a TrafficReport.
// Unknown keys are ignored. Missing identity fields are substituted from
// DefaultIdentity; a missing or non-integer average_kmh is an error.
func Decode(payload []byte) (*TrafficReport, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedPayload)
	}

	var raw rawReport
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	kmh, err := coerceAverageKMH(raw.AverageKMH)
	if err != nil {
		return nil, err
	}

	report := &TrafficReport{
		CityName:     DefaultIdentity.CityName,
		DistrictName: DefaultIdentity.DistrictName,
		RoadName:     DefaultIdentity.RoadName,
		AverageKMH:   kmh,
		KnownReason:  raw.KnownReason,
	}
	if raw.CityName != nil && *raw.CityName != "" {
		report.CityName = *raw.CityName
	}
	if raw.DistrictName != nil && *raw.DistrictName != "" {
		report.DistrictName = *raw.DistrictName
	}
	if raw.RoadName != nil && *raw.RoadName != "" {
		report.RoadName = *raw.RoadName
	}

	if raw.ExpectedResolutionTime != nil && *raw.ExpectedResolutionTime != "" {
		ts, err := time.Parse(time.RFC3339, *raw.ExpectedResolutionTime)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expected_resolution_time %q: %v",
				ErrMalformedPayload, *raw.ExpectedResolutionTime, err)
		}
		report.ExpectedResolutionTime = &ts
	}

	return report, nil
}

// coerceAverageKMH accepts a JSON number or a numeric JSON string and returns
// a non-negative integer. Anything else is a malformed payload.
func coerceAverageKMH(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing average_kmh", ErrMalformedPayload)
	}

	var value string
	if bytes.HasPrefix(raw, []byte(`"`)) {
		if err := json.Unmarshal(raw, &value); err != nil {
			return 0, fmt.Errorf("%w: bad average_kmh: %v", ErrMalformedPayload, err)
		}
		value = strings.TrimSpace(value)
	} else {
		value = string(raw)
	}

	kmh, err := strconv.Atoi(value)
	if err != nil {
		// A float like 42.0 still counts as integer-like. Values beyond
		// int32 are rejected: int(f) on an out-of-range float is
		// implementation-defined.
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return 0, fmt.Errorf("%w: average_kmh %q is not integer-like", ErrMalformedPayload, value)
		}
		kmh = int(f)
	}
	if kmh < 0 {
		return 0, fmt.Errorf("%w: average_kmh %d is negative", ErrMalformedPayload, kmh)
	}
	return kmh, nil
}

// ConsumedMessageTransformer adapts Decode to the pipeline transformer shape.
// Every decode failure, empty payloads included, is returned as an error so
// the pipeline Nacks the message: one policy for every undecodable payload.
func ConsumedMessageTransformer(msg types.ConsumedMessage) (*TrafficReport, bool, error) {
	report, err := Decode(msg.Payload)
	if err != nil {
		return nil, false, err
	}
	return report, false, nil
}
