package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Duration is a time.Duration read from strings such as "30s" in YAML and
// RECALLD_* variables. Negative values are rejected.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// redactedSecret replaces a set Secret wherever it is printed or encoded.
const redactedSecret = "[REDACTED]"

var errPlaceholderSecret = errors.New("secret value is the redaction placeholder")

// Secret holds a backend credential: a vector store API key, the Redis
// password, a reranker or embedder key. Printing or encoding it yields a
// placeholder; Value returns the credential itself for the client that
// needs it.
type Secret string

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return redactedSecret
}

func (s Secret) GoString() string { return "Secret(" + redactedSecret + ")" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalText accepts the raw credential. The placeholder itself is
// refused so a dumped config cannot be loaded back with "[REDACTED]" as a
// key.
func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == redactedSecret {
		return errPlaceholderSecret
	}
	*s = Secret(text)
	return nil
}

func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}
