package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MessageID identifies a message. Confirmed messages carry the integer the
// server assigned; pending ones carry a temporary client string. The zero
// value identifies nothing. MessageID is comparable and usable as a map key.
type MessageID struct {
	server int64
	temp   string
}

// ServerID wraps a server-assigned identifier.
func ServerID(id int64) MessageID {
	return MessageID{server: id}
}

// TempID wraps a client-generated temporary identifier.
func TempID(id string) MessageID {
	return MessageID{temp: id}
}

// NewTempID returns a fresh random alphanumeric temporary identifier.
func NewTempID() MessageID {
	return TempID("tmp" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ParseMessageID reads an identifier from its string form. Decimal strings
// are server identifiers; anything else is a temporary identifier.
func ParseMessageID(s string) MessageID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return ServerID(n)
	}
	return TempID(s)
}

// IsTemp reports whether the identifier is a client-side temporary one.
func (id MessageID) IsTemp() bool { return id.temp != "" }

// IsZero reports whether the identifier is unset.
func (id MessageID) IsZero() bool { return id.server == 0 && id.temp == "" }

// Int64 returns the server identifier, if this is one.
func (id MessageID) Int64() (int64, bool) {
	if id.temp != "" || id.server == 0 {
		return 0, false
	}
	return id.server, true
}

func (id MessageID) String() string {
	if id.temp != "" {
		return id.temp
	}
	if id.server == 0 {
		return ""
	}
	return strconv.FormatInt(id.server, 10)
}

// MarshalJSON encodes server identifiers as numbers and temporary ones as strings.
func (id MessageID) MarshalJSON() ([]byte, error) {
	switch {
	case id.temp != "":
		return json.Marshal(id.temp)
	case id.server == 0:
		return []byte("null"), nil
	default:
		return []byte(strconv.FormatInt(id.server, 10)), nil
	}
}

// UnmarshalJSON accepts a number, a string, or null.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = MessageID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ParseMessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("message id %q: %w", n, err)
	}
	*id = ServerID(v)
	return nil
}
