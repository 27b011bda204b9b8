package capture

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a named secret pattern. Matches are replaced with
// "[REDACTED:<name>]".
type Pattern struct {
	Name  string
	Regex string
}

type compiledPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

var builtinPatterns = []Pattern{
	{"bearer", `Bearer\s+[A-Za-z0-9\-._~+/]+=*`},
	{"basic", `Basic\s+[A-Za-z0-9+/]{8,}=*`},
	{"aws_key", `\b(AKIA|ASIA)[0-9A-Z]{16}\b`},
	{"jwt", `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`},
	{"github_pat", `\b(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}\b|\bgithub_pat_[A-Za-z0-9_]{22,}\b`},
	{"private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{"api_key", `(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*\S+`},
}

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
}

// Redactor scrubs secrets from items before they are forwarded.
type Redactor struct {
	patterns []compiledPattern
}

// NewRedactor compiles the built-in patterns followed by extra.
func NewRedactor(extra ...Pattern) (*Redactor, error) {
	all := append(append([]Pattern{}, builtinPatterns...), extra...)
	r := &Redactor{patterns: make([]compiledPattern, 0, len(all))}
	for _, p := range all {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", p.Name, err)
		}
		r.patterns = append(r.patterns, compiledPattern{
			name:        p.Name,
			re:          re,
			replacement: "[REDACTED:" + p.Name + "]",
		})
	}
	return r, nil
}

// String applies every pattern to s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.re.ReplaceAllLiteralString(s, p.replacement)
	}
	return s
}

// Headers returns a copy of h without sensitive headers. The remaining
// values are scrubbed too.
func (r *Redactor) Headers(h map[string]string) (map[string]string, bool) {
	if h == nil {
		return nil, false
	}
	out := make(map[string]string, len(h))
	stripped := false
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			stripped = true
			continue
		}
		out[k] = r.String(v)
	}
	return out, stripped
}

// NetworkBody scrubs a network body in place.
func (r *Redactor) NetworkBody(b *NetworkBody) {
	var reqAuth, respAuth bool
	b.RequestHeaders, reqAuth = r.Headers(b.RequestHeaders)
	b.ResponseHeaders, respAuth = r.Headers(b.ResponseHeaders)
	if reqAuth || respAuth {
		b.HasAuthHeader = true
	}
	b.RequestBody = r.String(b.RequestBody)
	b.ResponseBody = r.String(b.ResponseBody)
	b.URL = r.String(b.URL)
}

// LogEntry scrubs a log entry in place.
func (r *Redactor) LogEntry(e *LogEntry) {
	e.Message = r.String(e.Message)
	e.Stack = r.String(e.Stack)
}

// WebSocketEvent scrubs a WebSocket event in place.
func (r *Redactor) WebSocketEvent(e *WebSocketEvent) {
	e.Data = r.String(e.Data)
	e.URL = r.String(e.URL)
}

// EnhancedAction scrubs an action in place. Password inputs lose their
// value entirely.
func (r *Redactor) EnhancedAction(a *EnhancedAction) {
	if strings.EqualFold(a.InputType, "password") && a.Value != "" {
		a.Value = "[REDACTED:password]"
		return
	}
	a.Value = r.String(a.Value)
}
