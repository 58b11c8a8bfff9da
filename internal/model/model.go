package model

import (
	"strconv"
	"time"
)

// Event is the normalized unit the calendar widget renders, produced from a
// host record by internal/records. An Event always has a non-empty ID and a
// valid Start; records that cannot satisfy that are dropped during mapping.
type Event struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	AllDay   bool `json:"allDay"`
	Editable bool `json:"editable"`

	Description string `json:"description,omitempty"`

	// StyleClass is a CSS-class-like token derived from the configured style
	// field, e.g. "fc-event-dark-blue".
	StyleClass string `json:"styleClass"`
}

// HostRecord is one record as returned by the host's find script: an
// envelope with a nested field-name → scalar mapping. Scalars are strings,
// numbers-as-strings, or booleans encoded as "1"/"0"; the host also emits
// real JSON numbers for some fields, so values stay loosely typed here.
type HostRecord struct {
	FieldData map[string]any `json:"fieldData"`
	RecordID  string         `json:"recordId,omitempty"`
	ModID     string         `json:"modId,omitempty"`
}

// Field returns the named field's value rendered as a string, with ok=false
// when the field is absent.
func (r HostRecord) Field(name string) (string, bool) {
	v, ok := r.FieldData[name]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		// JSON numbers; the host writes integral values only.
		return trimFloat(s), true
	case bool:
		if s {
			return "1", true
		}
		return "0", true
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	// Avoid "1.000000" style output for the common integral case.
	n := int64(f)
	if float64(n) == f {
		return strconv.FormatInt(n, 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ViewState describes the widget's current view for ViewStateChanged
// notifications. Times are the widget's active/current ranges.
type ViewState struct {
	Type  string
	Title string

	CurrentStart time.Time
	CurrentEnd   time.Time
	ActiveStart  time.Time
	ActiveEnd    time.Time
}
