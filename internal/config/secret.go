package config

// Secret is a string that redacts itself whenever it is printed or
// marshaled, so API keys never end up in a log line or a /config dump.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted in Config.String()'s YAML dump.
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}

// GoString ensures secrets are redacted under %#v, e.g. in a panic dump.
func (s Secret) GoString() string {
	return "[REDACTED]"
}
