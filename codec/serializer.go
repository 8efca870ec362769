package codec

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/flashkv/flashkv/header"
)

// Pair is the (key, value) tuple a Serializer frames into bytes.
type Pair[K any, V any] struct {
	Key   K
	Value V
}

// Serializer frames a (K, V) pair into bytes and back. Two framings
// are in play across the three tags: a binary pair (K, V), produced by
// GobSerializer and BinaryContractSerializer, or a textual object
// {K: k, V: v}, produced by JSONSerializer.
type Serializer[K any, V any] interface {
	Tag() header.Serializer
	Serialize(Pair[K, V]) ([]byte, error)
	Deserialize([]byte) (Pair[K, V], error)
}

// jsonAPI mirrors encoding/json's Marshal/Unmarshal signatures, backed
// by json-iterator/go.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// GobSerializer is the BinaryContractless tag: a reflection-based
// binary framing via stdlib encoding/gob, requiring no marshal
// contract on K or V.
type GobSerializer[K any, V any] struct{}

func (GobSerializer[K, V]) Tag() header.Serializer { return header.BinaryContractless }

func (GobSerializer[K, V]) Serialize(p Pair[K, V]) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("gob encode pair: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobSerializer[K, V]) Deserialize(raw []byte) (Pair[K, V], error) {
	var p Pair[K, V]
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return p, fmt.Errorf("gob decode pair: %w", err)
	}
	return p, nil
}

// JSONSerializer is the JsonUtf8 tag: a textual {"K":k,"V":v} object
// encoded with json-iterator/go.
type JSONSerializer[K any, V any] struct{}

func (JSONSerializer[K, V]) Tag() header.Serializer { return header.JsonUtf8 }

type jsonWire[K any, V any] struct {
	K K `json:"K"`
	V V `json:"V"`
}

func (JSONSerializer[K, V]) Serialize(p Pair[K, V]) ([]byte, error) {
	raw, err := jsonAPI.Marshal(jsonWire[K, V]{K: p.Key, V: p.Value})
	if err != nil {
		return nil, fmt.Errorf("json encode pair: %w", err)
	}
	return raw, nil
}

func (JSONSerializer[K, V]) Deserialize(raw []byte) (Pair[K, V], error) {
	var wire jsonWire[K, V]
	if err := jsonAPI.Unmarshal(raw, &wire); err != nil {
		return Pair[K, V]{}, fmt.Errorf("json decode pair: %w", err)
	}
	return Pair[K, V]{Key: wire.K, Value: wire.V}, nil
}

// BinaryMarshalable constrains V's pointer type to the stdlib
// encoding.BinaryMarshaler/BinaryUnmarshaler contract — the "contract"
// the BinaryContract tag refers to.
type BinaryMarshalable[V any] interface {
	*V
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// BinaryContractSerializer is the BinaryContract tag: an explicit
// binary pair framing — KEY_LEN(4) | KEY | VAL_LEN(4) | VALUE — with
// V's bytes produced by its own MarshalBinary contract instead of gob
// reflection.
type BinaryContractSerializer[K any, V any, PV BinaryMarshalable[V]] struct{}

func (BinaryContractSerializer[K, V, PV]) Tag() header.Serializer { return header.BinaryContract }

func (BinaryContractSerializer[K, V, PV]) Serialize(p Pair[K, V]) ([]byte, error) {
	keyBytes, err := encodeKey(p.Key)
	if err != nil {
		return nil, fmt.Errorf("binary contract: %w", err)
	}

	valBytes, err := PV(&p.Value).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("binary contract: marshal value: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(4 + len(keyBytes) + 4 + len(valBytes))

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(keyBytes))); err != nil {
		return nil, err
	}
	buf.Write(keyBytes)

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(valBytes))); err != nil {
		return nil, err
	}
	buf.Write(valBytes)

	return buf.Bytes(), nil
}

func (BinaryContractSerializer[K, V, PV]) Deserialize(raw []byte) (Pair[K, V], error) {
	r := bytes.NewReader(raw)
	var p Pair[K, V]

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return p, fmt.Errorf("binary contract: read key length: %w", err)
	}

	keyBytes := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return p, fmt.Errorf("binary contract: read key: %w", err)
	}

	key, err := decodeKey[K](keyBytes)
	if err != nil {
		return p, fmt.Errorf("binary contract: %w", err)
	}
	p.Key = key

	var valLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
		return p, fmt.Errorf("binary contract: read value length: %w", err)
	}

	valBytes := make([]byte, valLen)
	if _, err := io.ReadFull(r, valBytes); err != nil {
		return p, fmt.Errorf("binary contract: read value: %w", err)
	}

	if err := PV(&p.Value).UnmarshalBinary(valBytes); err != nil {
		return p, fmt.Errorf("binary contract: unmarshal value: %w", err)
	}

	return p, nil
}
