// Package snowflake holds the 64-bit identifiers issued by the upstream platform
// (groups, users, files). They travel as decimal strings in JSON and are never
// converted through float64.
package snowflake

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID is an opaque upstream identifier.
type ID uint64

// ErrInvalid is returned when a value cannot be parsed as an ID.
var ErrInvalid = errors.New("snowflake: invalid id")

// Parse reads a decimal ID. Zero is rejected since the upstream never issues it.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(v), nil
}

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id == 0 }

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts both `"123"` and `123`; the number form is read from the
// raw literal so precision is preserved.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, string(data))
	}
	*id = ID(v)
	return nil
}

// Compare orders ids numerically; usable with slices.SortFunc and slices.BinarySearchFunc.
func Compare(a, b ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
