package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// encodeKey renders a fixed-size, ordered key K to bytes. Strings are
// written verbatim (their length travels in the outer pair framing);
// plain int and uint are written as 64-bit values; every other
// supported kind is written via encoding/binary, which already knows
// how to frame fixed-size numeric kinds.
func encodeKey[K any](k K) ([]byte, error) {
	if s, ok := any(k).(string); ok {
		return []byte(s), nil
	}

	var v any = k
	switch n := v.(type) {
	case int:
		v = int64(n)
	case uint:
		v = uint64(n)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode key of kind %s: %w", reflect.TypeOf(k), err)
	}

	return buf.Bytes(), nil
}

// decodeKey reverses encodeKey given the exact byte span the outer
// framing recorded for the key.
func decodeKey[K any](raw []byte) (K, error) {
	var k K

	if _, ok := any(k).(string); ok {
		return any(string(raw)).(K), nil
	}

	switch any(k).(type) {
	case int, uint:
		var n uint64
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &n); err != nil {
			return k, fmt.Errorf("decode key of kind %s: %w", reflect.TypeOf(k), err)
		}
		if _, ok := any(k).(int); ok {
			return any(int(int64(n))).(K), nil
		}
		return any(uint(n)).(K), nil
	}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &k); err != nil {
		return k, fmt.Errorf("decode key of kind %s: %w", reflect.TypeOf(k), err)
	}

	return k, nil
}
