// Package devtoolsrelay holds the types shared by every part of the relay:
// inbound queries, their params, terminal results and telemetry event kinds.
package devtoolsrelay

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/tidwall/jsonc"
)

// Query is a command issued by the controller against the active tab.
type Query struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TabID         int    `json:"tab_id,omitempty"`
	Params        Params `json:"params"`
}

// Params is either the raw JSON string a producer sent or an already
// structured object. Handlers read it through Map, which is the single
// place malformed input is turned into an empty object.
type Params struct {
	raw        string
	structured map[string]any
	isRaw      bool
}

// RawParams wraps a JSON-encoded params string.
func RawParams(s string) Params {
	return Params{raw: s, isRaw: true}
}

// StructuredParams wraps a decoded params object.
func StructuredParams(m map[string]any) Params {
	return Params{structured: m}
}

// IsRaw reports whether the params arrived as a string.
func (p Params) IsRaw() bool {
	return p.isRaw
}

// Raw returns the original string for raw params.
func (p Params) Raw() string {
	return p.raw
}

// Map returns the params as an object. Raw params are parsed leniently
// (comments and trailing commas are accepted); anything that does not
// decode to a JSON object yields an empty map. The result is never nil.
func (p Params) Map() map[string]any {
	if !p.isRaw {
		if p.structured == nil {
			return map[string]any{}
		}
		return p.structured
	}
	return parseObject([]byte(p.raw))
}

// String returns a string param.
func (p Params) String(key string) (string, bool) {
	s, ok := p.Map()[key].(string)
	return s, ok
}

// Number returns a numeric param.
func (p Params) Number(key string) (float64, bool) {
	n, ok := p.Map()[key].(float64)
	return n, ok
}

// Timeout returns the caller-supplied timeout_ms param as a duration.
// Non-positive values are ignored.
func (p Params) Timeout() (time.Duration, bool) {
	ms, ok := p.Number("timeout_ms")
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// MarshalJSON implements json.Marshaler. Raw params stay a JSON string on
// the wire so a relayed query is byte-for-byte what the producer sent.
func (p Params) MarshalJSON() ([]byte, error) {
	if p.isRaw {
		return json.Marshal(p.raw)
	}
	return json.Marshal(p.Map())
}

// UnmarshalJSON implements json.Unmarshaler. It never fails: a JSON string
// becomes Raw, an object becomes Structured and anything else is kept as
// Raw text so Map degrades it to an empty object.
func (p *Params) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*p = StructuredParams(nil)
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*p = RawParams(string(data))
			return nil
		}
		*p = RawParams(s)
	case data[0] == '{':
		m := parseObject(data)
		*p = StructuredParams(m)
	default:
		*p = RawParams(string(data))
	}
	return nil
}

func parseObject(data []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
