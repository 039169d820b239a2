package probe

import "encoding/json"

// Status is the qualitative moisture band reported for a cycle
type Status int

const (
	StatusLow Status = iota
	StatusGood
	StatusHigh
	// StatusUnavailable marks a cycle where the probe could not be read
	StatusUnavailable
)

// Band limits for the classifier
const (
	GoodThreshold = 30.0
	HighThreshold = 70.0
)

// Classify maps the mean soil moisture to a status band.
// NaN compares false everywhere and falls through to StatusHigh.
func Classify(soilMoistureMean float64) Status {
	if soilMoistureMean < GoodThreshold {
		return StatusLow
	}
	if soilMoistureMean < HighThreshold {
		return StatusGood
	}
	return StatusHigh
}

func (s Status) String() string {
	switch s {
	case StatusLow:
		return "low"
	case StatusGood:
		return "good"
	case StatusHigh:
		return "high"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its report token
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
