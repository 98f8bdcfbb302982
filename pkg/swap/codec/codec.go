// Package codec implements the deterministic canonical encoding used as
// both the envelope signing pre-image and the input to content hashing
// (rfq_id, quote_id, terms_hash).
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Canonicalize produces a byte-for-byte reproducible JSON encoding of v:
// object keys sorted lexicographically by Unicode code point, no
// insignificant whitespace, and minimal number formatting. v is first
// marshaled through encoding/json (so struct tags and custom
// MarshalJSON methods apply) and then re-encoded in canonical form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("codec: decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentHash returns the lowercase hex SHA-256 digest of v's canonical
// encoding.
func ContentHash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		return encodeString(buf, val)
	case []any:
		return encodeArray(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("codec: unsupported value type %T", v)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	// Integers are written verbatim (no exponent, no trailing zeros).
	// Non-integers round-trip through big.Float to strip redundant digits
	// while still rejecting NaN/Inf, which JSON cannot represent.
	if _, ok := new(big.Int).SetString(n.String(), 10); ok {
		buf.WriteString(n.String())
		return nil
	}
	f, _, err := big.ParseFloat(n.String(), 10, 64, big.ToNearestEven)
	if err != nil {
		return fmt.Errorf("codec: invalid number %q: %w", n.String(), err)
	}
	buf.WriteString(f.Text('g', -1))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	out, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("codec: encode string: %w", err)
	}
	buf.Write(out)
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
