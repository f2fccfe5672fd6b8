package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key is an ordered entity key. A key with one unnamed property renders as
// "(42)"; named properties render as "(A=1,B='x')".
type Key struct {
	props []keyProperty
}

type keyProperty struct {
	name  string
	value any
}

// SingleKey returns a key made of one unnamed value.
func SingleKey(value any) Key {
	return Key{props: []keyProperty{{value: value}}}
}

// NamedKey returns a key with one named property. Chain And for composite keys.
func NamedKey(name string, value any) Key {
	return Key{props: []keyProperty{{name: name, value: value}}}
}

// And returns a copy of k with one more named property appended.
func (k Key) And(name string, value any) Key {
	props := make([]keyProperty, len(k.props), len(k.props)+1)
	copy(props, k.props)
	return Key{props: append(props, keyProperty{name: name, value: value})}
}

// IsZero reports whether the key has no properties.
func (k Key) IsZero() bool {
	return len(k.props) == 0
}

// String renders the key segment including parentheses.
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	parts := make([]string, len(k.props))
	for i, p := range k.props {
		if p.name == "" {
			parts[i] = FormatLiteral(p.value)
			continue
		}
		parts[i] = p.name + "=" + FormatLiteral(p.value)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// FormatLiteral renders v as an OData V2 URI literal.
func FormatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + escapeLiteral(strings.ReplaceAll(val, "'", "''")) + "'"
	case uuid.UUID:
		return "guid'" + val.String() + "'"
	case time.Time:
		return "datetime'" + val.UTC().Format("2006-01-02T15:04:05.999") + "'"
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return FormatLiteral(val.String())
	default:
		return FormatLiteral(fmt.Sprint(val))
	}
}

// escapeLiteral percent-encodes the bytes that would break a request line or
// a query string.
func escapeLiteral(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("%#?/&+", c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
