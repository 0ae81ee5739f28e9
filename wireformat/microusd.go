// Package wireformat defines the canonical over-the-wire encodings shared
// by every service boundary in the gateway: the micro-USD amount type and
// JSON canonicalization used for signing and checksumming.
package wireformat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MicroUSD is an integer amount of micro-US-dollars (1 USD = 1_000_000).
// It is the sole accounting denomination; floating point never appears on
// an accounting path. On the wire it is a decimal string, because some
// downstream consumers use number types that cannot losslessly represent
// very large integers.
type MicroUSD int64

const DollarMicros MicroUSD = 1_000_000

func (m MicroUSD) String() string {
	return strconv.FormatInt(int64(m), 10)
}

func (m MicroUSD) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MicroUSD) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept a bare JSON number too, for leniency with hand-written configs.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("micro-usd: %w", err)
		}
		*m = MicroUSD(n)
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("micro-usd: invalid decimal string %q: %w", s, err)
	}
	*m = MicroUSD(v)
	return nil
}

// Canonicalize re-marshals v with JSON object keys sorted lexicographically,
// so the result is safe to sign or checksum and byte-for-byte comparable
// across services. v is first marshaled with the standard encoder, then its
// object keys are reordered; array order and scalar formatting are left as
// encoding/json produces them.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case bool, nil:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
