// Package header encodes and decodes the fixed 36-byte collection file
// header: version, serializer tag, format flags, and the encryption
// salt/checksum pair used to validate a password on re-open.
package header

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Size is the total on-disk length of the header, in bytes.
const Size = 36

const (
	saltOffset     = 4
	saltLen        = 16
	checksumOffset = 20
	checksumLen    = 16
)

// CurrentVersion is written into new headers.
const CurrentVersion uint16 = 1

// Serializer identifies the codec tag pinned into the header on first
// open. It is authoritative on re-open: reopening a collection with a
// configured serializer whose tag differs fails.
type Serializer uint8

const (
	BinaryContractless Serializer = 0
	BinaryContract      Serializer = 1
	JsonUtf8            Serializer = 2
)

func (s Serializer) String() string {
	switch s {
	case BinaryContractless:
		return "BinaryContractless"
	case BinaryContract:
		return "BinaryContract"
	case JsonUtf8:
		return "JsonUtf8"
	default:
		return fmt.Sprintf("Serializer(%d)", uint8(s))
	}
}

// Flags are the format bits stored at offset 3.
type Flags uint8

const (
	FlagEncrypted  Flags = 1 << 0
	FlagCompressed Flags = 1 << 1
)

func (f Flags) Encrypted() bool  { return f&FlagEncrypted != 0 }
func (f Flags) Compressed() bool { return f&FlagCompressed != 0 }

// Header is the fixed-layout preamble of a collection file.
type Header struct {
	Version            uint16
	Serializer         Serializer
	Flags              Flags
	Salt               [saltLen]byte
	EncryptionChecksum [checksumLen]byte
}

// New builds a header for a freshly created collection file. If
// encrypted is false, Salt and EncryptionChecksum stay zeroed.
func New(serializer Serializer, compressed, encrypted bool, salt [saltLen]byte, checksum [checksumLen]byte) Header {
	var flags Flags
	if compressed {
		flags |= FlagCompressed
	}

	h := Header{
		Version:    CurrentVersion,
		Serializer: serializer,
		Flags:      flags,
	}

	if encrypted {
		h.Flags |= FlagEncrypted
		h.Salt = salt
		h.EncryptionChecksum = checksum
	}

	return h
}

// Encode writes the 36-byte header to w.
func (h Header) Encode(w io.Writer) error {
	var buf [Size]byte

	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = byte(h.Serializer)
	buf[3] = byte(h.Flags)
	copy(buf[saltOffset:saltOffset+saltLen], h.Salt[:])
	copy(buf[checksumOffset:checksumOffset+checksumLen], h.EncryptionChecksum[:])

	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("flashkv/header: write header: %w", err)
	}

	return nil
}

// Decode reads a 36-byte header from r. It fails only on a short read;
// the version, serializer tag and flags are returned as found.
func Decode(r io.Reader) (Header, error) {
	var buf [Size]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("flashkv/header: read header: %w", err)
	}

	var h Header
	h.Version = binary.LittleEndian.Uint16(buf[0:2])
	h.Serializer = Serializer(buf[2])
	h.Flags = Flags(buf[3])
	copy(h.Salt[:], buf[saltOffset:saltOffset+saltLen])
	copy(h.EncryptionChecksum[:], buf[checksumOffset:checksumOffset+checksumLen])

	return h, nil
}
