// Package bencode implements the bencoding format used by torrent
// metainfo files and tracker responses.
//
// Decode returns a dynamic, tagged-union Value rather than populating a
// caller-supplied struct. Every Value retains the exact byte span it was
// parsed from (Raw), so a caller that needs byte-exact re-encoding of a
// sub-value — the info dictionary, in particular — can use the original
// bytes instead of trusting Encode to round-trip perfectly.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which alternative of the bencode union a Value holds.
type Kind int

const (
	Int Kind = iota
	Bytes
	List
	Dict
)

// Value is a decoded bencode value: exactly one of Int, Bytes, List or
// Dict is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Integer int64
	Bytes   []byte
	List    []*Value
	Dict    map[string]*Value

	// Raw holds the exact source bytes this value was decoded from.
	// Populated only by Decode, empty for values built in memory.
	Raw []byte
}

// DecodeError reports a malformed bencode document.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: decode error at offset %d: %s", e.Offset, e.Msg)
}

// Decode parses the single bencode value at the start of data and
// returns it along with the number of bytes consumed.
func Decode(data []byte) (*Value, int, error) {
	return decodeValue(data, 0)
}

func decodeValue(data []byte, pos int) (*Value, int, error) {
	if pos >= len(data) {
		return nil, pos, &DecodeError{pos, "unexpected end of input"}
	}
	switch {
	case data[pos] == 'i':
		return decodeInt(data, pos)
	case data[pos] == 'l':
		return decodeList(data, pos)
	case data[pos] == 'd':
		return decodeDict(data, pos)
	case data[pos] >= '0' && data[pos] <= '9':
		return decodeBytes(data, pos)
	default:
		return nil, pos, &DecodeError{pos, fmt.Sprintf("unexpected byte %q", data[pos])}
	}
}

func decodeInt(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // 'i'
	end := bytes.IndexByte(data[pos:], 'e')
	if end < 0 {
		return nil, pos, &DecodeError{pos, "unterminated integer"}
	}
	end += pos
	digits := string(data[pos:end])
	if digits == "" || digits == "-" {
		return nil, pos, &DecodeError{pos, "empty integer"}
	}
	if digits[0] == '0' && len(digits) > 1 {
		return nil, pos, &DecodeError{pos, "leading zero in integer"}
	}
	if len(digits) > 1 && digits[0] == '-' && digits[1] == '0' {
		return nil, pos, &DecodeError{pos, "negative zero is forbidden"}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, pos, &DecodeError{pos, "invalid integer: " + err.Error()}
	}
	newPos := end + 1
	return &Value{Kind: Int, Integer: n, Raw: data[start:newPos]}, newPos, nil
}

func decodeBytes(data []byte, pos int) (*Value, int, error) {
	start := pos
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return nil, pos, &DecodeError{pos, "malformed byte string length"}
	}
	colon += pos
	length, err := strconv.Atoi(string(data[pos:colon]))
	if err != nil || length < 0 {
		return nil, pos, &DecodeError{pos, "invalid byte string length"}
	}
	begin := colon + 1
	end := begin + length
	if end > len(data) {
		return nil, pos, &DecodeError{pos, "byte string runs past end of input"}
	}
	newPos := end
	return &Value{Kind: Bytes, Bytes: data[begin:end], Raw: data[start:newPos]}, newPos, nil
}

func decodeList(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // 'l'
	var items []*Value
	for {
		if pos >= len(data) {
			return nil, pos, &DecodeError{pos, "unterminated list"}
		}
		if data[pos] == 'e' {
			pos++
			break
		}
		v, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		items = append(items, v)
		pos = next
	}
	return &Value{Kind: List, List: items, Raw: data[start:pos]}, pos, nil
}

func decodeDict(data []byte, pos int) (*Value, int, error) {
	start := pos
	pos++ // 'd'
	m := make(map[string]*Value)
	for {
		if pos >= len(data) {
			return nil, pos, &DecodeError{pos, "unterminated dict"}
		}
		if data[pos] == 'e' {
			pos++
			break
		}
		keyVal, next, err := decodeBytes(data, pos)
		if err != nil {
			return nil, pos, err
		}
		pos = next
		val, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		m[string(keyVal.Bytes)] = val
		pos = next
	}
	return &Value{Kind: Dict, Dict: m, Raw: data[start:pos]}, pos, nil
}

// Encode produces the canonical, byte-exact bencoding of v: integers in
// minimal decimal form, byte strings as <len>:<bytes>, dict keys sorted
// lexicographically by their raw bytes. It never consults v.Raw.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v *Value) {
	switch v.Kind {
	case Int:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Integer, 10))
		buf.WriteByte('e')
	case Bytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
	case List:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(buf, &Value{Kind: Bytes, Bytes: []byte(k)})
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// Accessors. Each returns an error rather than panicking, so a malformed
// or unexpected-shape torrent file surfaces as a metainfo.ParseError
// instead of a crash.

func (v *Value) AsInt() (int64, error) {
	if v == nil || v.Kind != Int {
		return 0, fmt.Errorf("bencode: expected integer")
	}
	return v.Integer, nil
}

func (v *Value) AsBytes() ([]byte, error) {
	if v == nil || v.Kind != Bytes {
		return nil, fmt.Errorf("bencode: expected byte string")
	}
	return v.Bytes, nil
}

func (v *Value) AsString() (string, error) {
	b, err := v.AsBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v *Value) AsList() ([]*Value, error) {
	if v == nil || v.Kind != List {
		return nil, fmt.Errorf("bencode: expected list")
	}
	return v.List, nil
}

func (v *Value) AsDict() (map[string]*Value, error) {
	if v == nil || v.Kind != Dict {
		return nil, fmt.Errorf("bencode: expected dict")
	}
	return v.Dict, nil
}

// Get looks up key in a dict Value, returning nil if v is not a dict or
// the key is absent.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != Dict {
		return nil
	}
	return v.Dict[key]
}
