// Package hostcfg holds the host-injected configuration blob and the typed
// accessors over it. The blob is externally authored and untyped; every
// lookup tolerates absence and falls back to a caller-supplied default.
package hostcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "fmcalbridge/internal/log"
)

// PlaceholderSentinel is the literal the page template carries before the
// host substitutes the real props. Seeing it means "no configuration".
const PlaceholderSentinel = "__PROPS__"

// Setting is one configuration entry: a tagged value. The wire tag key is
// "type" (the settings editor writes {type, value}); the tag values are
// "text" and "select".
type Setting struct {
	Kind  string `json:"type"`
	Value string `json:"value"`

	// Markers the settings editor attaches on save; carried through
	// untouched so a save round-trip does not lose them.
	Required       bool `json:"required,omitempty"`
	ReScanOnChange bool `json:"reScanOnChange,omitempty"`
}

// UnmarshalJSON tolerates non-string values (numbers, booleans) in
// externally authored blobs by rendering them as strings.
func (s *Setting) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind           string `json:"type"`
		Value          any    `json:"value"`
		Required       bool   `json:"required"`
		ReScanOnChange bool   `json:"reScanOnChange"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Kind = raw.Kind
	s.Required = raw.Required
	s.ReScanOnChange = raw.ReScanOnChange
	switch v := raw.Value.(type) {
	case nil:
		s.Value = ""
	case string:
		s.Value = v
	default:
		s.Value = fmt.Sprint(v)
	}
	return nil
}

// Config maps logical setting names ("EventTitleField", "StartOnDay", ...)
// to their tagged values.
type Config map[string]Setting

// Props is the full injected payload substituted into the page at load time.
type Props struct {
	AddonUUID  string         `json:"AddonUUID"`
	Config     Config         `json:"Config"`
	State      map[string]any `json:"State"`
	ShowConfig bool           `json:"ShowConfig"`
}

// ParseProps accepts the injected payload in any of the shapes the host has
// been observed to deliver: an already-structured object, a JSON string
// (possibly wrapped in one or more layers of quoting/escaping), or raw JSON
// bytes. A still-present placeholder or any parse failure yields empty props
// and an error; callers degrade to an empty configuration rather than fail.
func ParseProps(raw any) (Props, error) {
	switch v := raw.(type) {
	case nil:
		return Props{}, errors.New("hostcfg: no injected props")
	case Props:
		return v, nil
	case *Props:
		if v == nil {
			return Props{}, errors.New("hostcfg: nil props")
		}
		return *v, nil
	case string:
		if strings.TrimSpace(v) == "" || strings.TrimSpace(v) == PlaceholderSentinel {
			return Props{}, errors.New("hostcfg: placeholder not substituted")
		}
		return parsePropsJSON([]byte(StripQuoted(v)))
	case []byte:
		return ParseProps(string(v))
	case json.RawMessage:
		return ParseProps(string(v))
	case map[string]any:
		// Structured but untyped; round-trip through JSON for shape coercion.
		data, err := json.Marshal(v)
		if err != nil {
			return Props{}, fmt.Errorf("hostcfg: re-encode props: %w", err)
		}
		return parsePropsJSON(data)
	default:
		return Props{}, fmt.Errorf("hostcfg: unexpected props type %T", raw)
	}
}

func parsePropsJSON(data []byte) (Props, error) {
	var p Props
	if err := json.Unmarshal(data, &p); err != nil {
		return Props{}, fmt.Errorf("hostcfg: parse props: %w", err)
	}
	if p.Config == nil {
		p.Config = Config{}
	}
	return p, nil
}

// maxQuoteLayers bounds the outer-quote stripping loop. The host's card
// window marshalling has been observed to re-quote a parameter more than
// once, but never anywhere near this many times.
const maxQuoteLayers = 10

// StripQuoted removes accidental outer quoting/escaping layers the host's
// parameter passing introduces around JSON strings. It is idempotent: a
// string that no longer looks quoted is returned as-is.
func StripQuoted(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < maxQuoteLayers; i++ {
		switch {
		case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
			s = s[1 : len(s)-1]
		case len(s) >= 4 && strings.HasPrefix(s, `\"`) && strings.HasSuffix(s, `\"`):
			s = s[2 : len(s)-2]
		default:
			return s
		}
		s = strings.ReplaceAll(s, `\\`, "\x00")
		s = strings.ReplaceAll(s, `\"`, `"`)
		s = strings.ReplaceAll(s, "\x00", `\`)
	}
	return s
}

// Resolver answers field and view lookups against one session's Config.
type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	if cfg == nil {
		cfg = Config{}
	}
	return &Resolver{cfg: cfg}
}

// Config returns the underlying configuration map.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Field returns the configured value for key, or def when the key is absent
// or holds an empty value. It never fails.
func (r *Resolver) Field(key, def string) string {
	s, ok := r.cfg[key]
	if !ok || s.Value == "" {
		return def
	}
	return s.Value
}

// ResolveFieldName maps a logical field key to the bare host field name.
// Configured values are table-qualified ("Visits::StartDate") but record
// payloads are keyed by bare field name, so everything up to and including
// the first "::" is stripped. Falls back to the raw configured value, then
// to the key itself.
func (r *Resolver) ResolveFieldName(key string) string {
	fullRef := r.Field(key, key)
	if _, after, found := strings.Cut(fullRef, "::"); found && after != "" {
		return after
	}
	if fullRef != "" {
		return fullRef
	}
	return key
}

// viewNames translates the settings vocabulary to widget view identifiers.
var viewNames = map[string]string{
	"Month": "dayGridMonth",
	"Week":  "timeGridWeek",
	"Day":   "timeGridDay",
	"List":  "listWeek",
	"Year":  "multiMonthYear",
}

// MapViewName translates a logical view name to the widget's internal view
// identifier. Unrecognized names pass through unchanged so newer hosts can
// name widget views directly.
func MapViewName(name string) string {
	if mapped, ok := viewNames[name]; ok {
		return mapped
	}
	return name
}

// FirstDayOfWeek returns 0 (Sunday) or 1 (Monday) from the StartOnDay
// setting. Anything other than "Monday" means Sunday.
func (r *Resolver) FirstDayOfWeek() int {
	if r.Field("StartOnDay", "Sunday") == "Monday" {
		return 1
	}
	return 0
}

// Location resolves the TimeZone setting to a *time.Location. The value
// "local", an empty value, or an unloadable zone all mean the local zone.
func (r *Resolver) Location() *time.Location {
	name := r.Field("TimeZone", "local")
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown timezone setting, using local", "timezone", name)
		return time.Local
	}
	return loc
}
