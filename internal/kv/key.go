package kv

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	tagInt    byte = 0x01
	tagString byte = 0x02
)

// Key is a tuple of string and integer parts. Encoded keys sort the way the
// tuples compare: part by part, integers before strings.
type Key []any

// Encode returns the order-preserving byte form of k.
func (k Key) Encode() ([]byte, error) {
	var buf []byte
	for i, part := range k {
		norm, err := NormalizePart(part)
		if err != nil {
			return nil, fmt.Errorf("key part %d: %w", i, err)
		}
		switch v := norm.(type) {
		case int64:
			buf = append(buf, tagInt)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
		case string:
			buf = append(buf, tagString)
			for j := 0; j < len(v); j++ {
				buf = append(buf, v[j])
				if v[j] == 0x00 {
					buf = append(buf, 0xFF)
				}
			}
			buf = append(buf, 0x00)
		}
	}
	return buf, nil
}

// MustEncode encodes k and panics on unsupported parts. Use it only for keys
// built from literals.
func (k Key) MustEncode() []byte {
	enc, err := k.Encode()
	if err != nil {
		panic(err)
	}
	return enc
}

// String renders k for debug output.
func (k Key) String() string {
	return fmt.Sprint([]any(k))
}

// DecodeKey parses an encoded key.
func DecodeKey(b []byte) (Key, error) {
	var out Key
	for len(b) > 0 {
		switch b[0] {
		case tagInt:
			if len(b) < 9 {
				return nil, errors.New("kv: truncated integer key part")
			}
			out = append(out, int64(binary.BigEndian.Uint64(b[1:9])^(1<<63)))
			b = b[9:]
		case tagString:
			var s []byte
			i := 1
			for {
				if i >= len(b) {
					return nil, errors.New("kv: unterminated string key part")
				}
				if b[i] == 0x00 {
					if i+1 < len(b) && b[i+1] == 0xFF {
						s = append(s, 0x00)
						i += 2
						continue
					}
					break
				}
				s = append(s, b[i])
				i++
			}
			out = append(out, string(s))
			b = b[i+1:]
		default:
			return nil, fmt.Errorf("kv: unknown key tag 0x%02x", b[0])
		}
	}
	return out, nil
}

// NormalizePart converts a key part to int64 or string.
func NormalizePart(part any) (any, error) {
	switch v := part.(type) {
	case string:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("non-integral number %v", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integral number %s", v)
		}
		return n, nil
	case nil:
		return nil, errors.New("missing key part")
	default:
		return nil, fmt.Errorf("unsupported key part type %T", part)
	}
}
