package schema

import (
	"fmt"
	"strings"
)

// PersistScope says how much state a checkpoint after a step covers.
// Values are ordered by increasing coverage.
type PersistScope int

const (
	ScopeNone PersistScope = iota
	ScopeExecution
	ScopeUser
	ScopeAll
)

func (s PersistScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeExecution:
		return "execution"
	case ScopeUser:
		return "user"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParsePersistScope parses the textual form used in definitions and settings.
func ParsePersistScope(s string) (PersistScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ScopeNone, nil
	case "execution":
		return ScopeExecution, nil
	case "user":
		return ScopeUser, nil
	case "all":
		return ScopeAll, nil
	default:
		return ScopeNone, NewErrorf(ErrCodeValidation, "unknown persist scope %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PersistScope) MarshalText() ([]byte, error) {
	if s < ScopeNone || s > ScopeAll {
		return nil, fmt.Errorf("invalid persist scope %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PersistScope) UnmarshalText(text []byte) error {
	v, err := ParsePersistScope(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
