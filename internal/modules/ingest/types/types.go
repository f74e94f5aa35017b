package types

import "time"

// MeasurementPoint is one decoded line of the station's wire format.
// TagSet and FieldSet are kept verbatim; Timestamp is nil when the line
// carried no explicit epoch-seconds token.
type MeasurementPoint struct {
	TagSet    string
	FieldSet  string
	Timestamp *int64
}

// SensorTree groups canonical parameter values by sensor model for one
// measurement point, e.g. tree["SDS011"]["PM10"] = "10". Values stay as
// the wire's strings.
type SensorTree map[string]map[string]string

// Coordinates carries the position attached to outbound messages.
// Defaults come from configuration as floats; a GPS fix in the payload
// overrides them with the wire's string values, so both shapes pass
// into the JSON payload unchanged.
type Coordinates struct {
	Latitude  any
	Longitude any
}

// Station is one row of the station registry.
type Station struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	MessageCount int       `json:"messageCount"`
}
