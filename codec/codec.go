// Package codec implements the serialize -> compress -> encrypt
// pipeline (and its inverse): a pluggable Serializer framing a (key,
// value) pair, optionally passed through an LZ4 block-array
// compressor, optionally passed through AES-CBC keyed by a
// PBKDF2-derived secret.
package codec

import (
	"github.com/flashkv/flashkv/header"
)

// Codec composes a Serializer with optional compression and
// encryption stages. It is immutable after construction and safe for
// concurrent use: the only shared mutable state is the lz4 compressor
// pool (internally synchronized) and the AES cipher (stateless given
// src/dst, per crypto/cipher.Block).
type Codec[K any, V any] struct {
	serializer Serializer[K, V]
	compress   bool
	cipher     *Cipher // nil if encryption disabled
}

// New builds a Codec. cipher may be nil to disable encryption.
func New[K any, V any](serializer Serializer[K, V], compress bool, cipher *Cipher) *Codec[K, V] {
	return &Codec[K, V]{serializer: serializer, compress: compress, cipher: cipher}
}

// Tag reports the header.Serializer tag this codec was built with.
func (c *Codec[K, V]) Tag() header.Serializer { return c.serializer.Tag() }

// Encode serializes the pair, then (if enabled) compresses it, then
// (if enabled) encrypts it.
func (c *Codec[K, V]) Encode(key K, value V) ([]byte, error) {
	raw, err := c.serializer.Serialize(Pair[K, V]{Key: key, Value: value})
	if err != nil {
		return nil, &SerializationError{Err: err}
	}

	if c.compress {
		raw, err = lz4Compress(raw)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
	}

	if c.cipher != nil {
		raw, err = c.cipher.Encrypt(raw)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
	}

	return raw, nil
}

// Decode reverses Encode: decrypt, then decompress, then deserialize.
func (c *Codec[K, V]) Decode(raw []byte) (K, V, error) {
	var zeroK K
	var zeroV V

	data := raw
	var err error

	if c.cipher != nil {
		data, err = c.cipher.Decrypt(data)
		if err != nil {
			return zeroK, zeroV, err // already a *DecryptionError
		}
	}

	if c.compress {
		data, err = lz4Decompress(data)
		if err != nil {
			return zeroK, zeroV, &DeserializationError{Err: err}
		}
	}

	pair, err := c.serializer.Deserialize(data)
	if err != nil {
		return zeroK, zeroV, &DeserializationError{Err: err}
	}

	return pair.Key, pair.Value, nil
}
