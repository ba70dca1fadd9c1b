package printer

import "encoding/json"

// Status codes reported in the "status" field of an M408 response.
const (
	StatusIdle        = "I"
	StatusPrinting    = "P"
	StatusStopped     = "S"
	StatusConfiguring = "C"
	StatusPaused      = "A"
	StatusPausing     = "D"
	StatusResuming    = "R"
	StatusBusy        = "B"
	StatusFlashing    = "F"
	StatusHalted      = "H"
	StatusOff         = "O"
	StatusToolChange  = "T"
)

var statusNames = map[string]string{
	StatusIdle:        "idle",
	StatusPrinting:    "printing",
	StatusStopped:     "stopped",
	StatusConfiguring: "configuring",
	StatusPaused:      "paused",
	StatusPausing:     "pausing",
	StatusResuming:    "resuming",
	StatusBusy:        "busy",
	StatusFlashing:    "flashing",
	StatusHalted:      "halted",
	StatusOff:         "off",
	StatusToolChange:  "changing tool",
}

// Status is a decoded M408 response. Only the "status" field is
// interpreted; everything else is passed through as decoded JSON.
type Status map[string]interface{}

// Code returns the single-character status code, or "" if absent.
func (s Status) Code() string {
	v, _ := s["status"].(string)
	return v
}

// Printing reports whether the printer is currently printing.
func (s Status) Printing() bool {
	return s.Code() == StatusPrinting
}

// StateName returns a readable name for the status code.
func (s Status) StateName() string {
	if name, ok := statusNames[s.Code()]; ok {
		return name
	}
	if code := s.Code(); code != "" {
		return code
	}
	return "unknown"
}

// Float returns the first of keys that holds a JSON number, or 0.
func (s Status) Float(keys ...string) float64 {
	for _, k := range keys {
		switch v := s[k].(type) {
		case float64:
			return v
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return 0
}
