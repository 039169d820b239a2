package probe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MinResponseLength is the shortest raw response that is handed to the parser.
// Anything shorter is re-queried by the sampler.
const MinResponseLength = 5

// ErrMalformedResponse is returned when a data response lacks the required
// fields or a field is not a decimal number
var ErrMalformedResponse = errors.New("malformed probe response")

// Sample holds the three values returned by one aD0! data command
type Sample struct {
	Dielectric   float64 `json:"dielectric"`
	TemperatureC float64 `json:"temperature_celsius"`
	BulkEC       float64 `json:"bulk_ec"`
}

// ParseResponse decodes a data response of the form "a+v1+v2+v3".
// The first field is the sensor address and is ignored. The next three are
// dielectric permittivity, temperature in °C and bulk EC.
//
// Values are delimited by their sign, so "0+20.1-3.5+0.2" carries a
// temperature of -3.5. Values beyond the third are ignored.
func ParseResponse(raw string) (Sample, error) {
	tokens := splitValues(strings.TrimSpace(raw))
	if len(tokens) < 4 {
		return Sample{}, fmt.Errorf("%w: expected at least 4 fields, got %d in %q", ErrMalformedResponse, len(tokens), raw)
	}

	var values [3]float64
	for i := range values {
		v, err := strconv.ParseFloat(tokens[i+1], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: field %d %q: %v", ErrMalformedResponse, i+2, tokens[i+1], err)
		}
		values[i] = v
	}

	return Sample{
		Dielectric:   values[0],
		TemperatureC: values[1],
		BulkEC:       values[2],
	}, nil
}

// splitValues tokenizes on '+' and '-'. A '+' is dropped, a '-' starts the
// next token so the sign stays with its value.
func splitValues(s string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			tokens = append(tokens, s[start:i])
			start = i + 1
		case '-':
			tokens = append(tokens, s[start:i])
			start = i
		}
	}
	return append(tokens, s[start:])
}
