package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the PBKDF2 iteration count used to derive the
// AES key from a password and salt.
const pbkdf2Iterations = 1000

const aesKeyLen = 32 // AES-256

// HashAlgorithm selects the PBKDF2 pseudo-random function used to
// derive the AES key from a password and salt.
type HashAlgorithm uint8

const (
	SHA1 HashAlgorithm = iota
	SHA256
	SHA512
)

func (h HashAlgorithm) newHash() func() hash.Hash {
	switch h {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return sha1.New
	}
}

// Cipher derives an AES-256 key from a password and salt and performs
// CBC encryption/decryption plus the header checksum used to validate
// a password on re-open, without ever storing the password itself.
type Cipher struct {
	block cipher.Block
}

// NewCipher derives the AES key via PBKDF2(password, salt, 1000, algo)
// and constructs the underlying block cipher. The derived key and
// block cipher are immutable after construction and safe for
// concurrent use by multiple goroutines (crypto/cipher.Block's
// Encrypt/Decrypt are stateless given a destination/source pair).
func NewCipher(password string, salt [16]byte, algo HashAlgorithm) (*Cipher, error) {
	key := pbkdf2.Key([]byte(password), salt[:], pbkdf2Iterations, aesKeyLen, algo.newHash())

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("flashkv/codec: derive AES cipher: %w", err)
	}

	return &Cipher{block: block}, nil
}

// Checksum deterministically encrypts the first two salt bytes
// (zero-padded to one AES block) so that a re-opener can verify a
// candidate password without decrypting any real payload.
func (c *Cipher) Checksum(salt [16]byte) [16]byte {
	var plain [aes.BlockSize]byte
	copy(plain[:], salt[:2])

	var out [aes.BlockSize]byte
	c.block.Encrypt(out[:], plain[:])

	return out
}

// VerifyChecksum reports whether salt+checksum are consistent with
// this cipher's derived key, i.e. whether the password used to build
// c is the one that created the header.
func (c *Cipher) VerifyChecksum(salt, checksum [16]byte) bool {
	return c.Checksum(salt) == checksum
}

// Encrypt PKCS#7-pads plaintext, prepends a fresh random IV, and
// CBC-encrypts. Output layout: iv(16) | ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("flashkv/codec: generate IV: %w", err)
	}

	mode := cipher.NewCBCEncrypter(c.block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)

	return out, nil
}

// Decrypt reverses Encrypt. Returns a DecryptionError-wrapped error on
// malformed input (too short, not block-aligned, or bad padding) —
// cipher-level failures the caller routes as DecryptionFailure.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Err: fmt.Errorf("ciphertext is not a valid block-aligned payload (%d bytes)", len(data))}
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]

	if len(ciphertext) == 0 {
		return nil, nil
	}

	plain := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(c.block, iv)
	mode.CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}

	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid PKCS#7 padding")
		}
	}

	return data[:len(data)-padLen], nil
}

// GenerateSalt returns a fresh random 16-byte encryption salt, used
// when a collection is created with encryption enabled for the first
// time.
func GenerateSalt() ([16]byte, error) {
	var salt [16]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("flashkv/codec: generate salt: %w", err)
	}
	return salt, nil
}
