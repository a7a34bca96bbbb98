package telemetry

import (
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

// FilterConfig controls masking of sensitive values before they reach
// span attributes, metric attributes, or logs.
type FilterConfig struct {
	// Mask replaces every match. Defaults to "***".
	Mask string
	// Patterns are additional regular expressions to mask on top of the
	// built-in secret patterns.
	Patterns []string
}

// builtinPatterns cover the common provider credential shapes.
var builtinPatterns = []string{
	`sk-[A-Za-z0-9_\-]{4,}`,
	`(?i)bearer\s+[A-Za-z0-9_\-\.]{8,}`,
	`(?i)api[_-]?key\s*[=:]\s*\S+`,
}

// Filter masks sensitive substrings in free text and attribute values.
type Filter struct {
	mask     string
	patterns []*regexp.Regexp
}

// NewFilter compiles cfg. Invalid user patterns are reported rather than
// silently skipped.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	mask := cfg.Mask
	if mask == "" {
		mask = "***"
	}
	f := &Filter{mask: mask}
	for _, raw := range append(append([]string{}, builtinPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// MaskText replaces every sensitive match in text with the mask token.
func (f *Filter) MaskText(text string) string {
	if f == nil {
		return text
	}
	for _, re := range f.patterns {
		text = re.ReplaceAllString(text, f.mask)
	}
	return text
}

// SanitizeAttributes masks string and string-slice attribute values.
// Non-string values pass through untouched.
func (f *Filter) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if f == nil {
		return attrs
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, attribute.String(string(kv.Key), f.MaskText(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			vals := kv.Value.AsStringSlice()
			masked := make([]string, len(vals))
			for i, v := range vals {
				masked[i] = f.MaskText(v)
			}
			out = append(out, attribute.StringSlice(string(kv.Key), masked))
		default:
			out = append(out, kv)
		}
	}
	return out
}
