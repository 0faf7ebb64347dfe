package notify

import (
	"encoding/base64"
	"strconv"
	"strings"
)

const cursorPrefix = "v1:"

// Cursor marks the last scan record delivered to a client. The zero Cursor
// means the client has not polled yet.
type Cursor struct {
	Seq   int64
	valid bool
}

// At returns a cursor positioned after seq.
func At(seq int64) Cursor {
	return Cursor{Seq: seq, valid: true}
}

// IsZero reports whether the cursor carries no position.
func (c Cursor) IsZero() bool {
	return !c.valid
}

// String returns the opaque form handed to clients.
func (c Cursor) String() string {
	if !c.valid {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(c.Seq, 10)))
}

// ParseCursor decodes a client cursor. Empty or malformed input yields the
// zero Cursor.
func ParseCursor(s string) Cursor {
	if s == "" {
		return Cursor{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return Cursor{}
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || seq < 0 {
		return Cursor{}
	}
	return At(seq)
}
