package config

import (
	"encoding/json"
	"errors"
)

const redactedSecret = "[REDACTED]"

// Secret holds a remote API key or access token. Every formatting and
// encoding path prints the placeholder; only Value exposes the raw string.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

func (s Secret) String() string   { return s.mask() }
func (s Secret) GoString() string { return "config.Secret(" + redactedSecret + ")" }

// Value returns the raw credential for use in an Authorization header.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.mask()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.mask()) }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// UnmarshalJSON refuses the placeholder so a dumped config cannot be loaded
// back with a bogus credential.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == redactedSecret {
		return errors.New("secret value is redacted")
	}
	*s = Secret(raw)
	return nil
}
