package store

// Properties holds the attributes of one record together with its version.
type Properties struct {
	Version int64
	Values  map[string]any
}

// String returns the named attribute as a string, or "" when absent.
func (p Properties) String(name string) string {
	value, _ := p.Values[name].(string)
	return value
}

// Strings returns the named attribute as a string list. JSON-decoded lists
// ([]any) are converted element by element; nil means absent.
func (p Properties) Strings(name string) []string {
	switch value := p.Values[name].(type) {
	case []string:
		out := make([]string, len(value))
		copy(out, value)
		return out
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Has reports whether the attribute is set.
func (p Properties) Has(name string) bool {
	_, ok := p.Values[name]
	return ok
}

func cloneValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if list, ok := value.([]string); ok {
			value = append([]string(nil), list...)
		}
		out[key] = value
	}
	return out
}
