package header

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		serializer Serializer
		compressed bool
		encrypted  bool
	}{
		{"plain binary contractless", BinaryContractless, false, false},
		{"compressed binary contract", BinaryContract, true, false},
		{"encrypted json", JsonUtf8, false, true},
		{"compressed and encrypted", BinaryContract, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var salt [16]byte
			var checksum [16]byte
			if tt.encrypted {
				salt = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
				checksum = [16]byte{0xaa, 0xbb}
			}

			h := New(tt.serializer, tt.compressed, tt.encrypted, salt, checksum)

			var buf bytes.Buffer
			if err := h.Encode(&buf); err != nil {
				t.Fatal(err)
			}

			if buf.Len() != Size {
				t.Fatalf("expected %d encoded bytes, got %d", Size, buf.Len())
			}

			got, err := Decode(&buf)
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}

			if got.Version != CurrentVersion {
				t.Fatalf("version mismatch: got %d", got.Version)
			}
			if got.Serializer != tt.serializer {
				t.Fatalf("serializer mismatch: got %v want %v", got.Serializer, tt.serializer)
			}
			if got.Flags.Compressed() != tt.compressed {
				t.Fatalf("compressed flag mismatch")
			}
			if got.Flags.Encrypted() != tt.encrypted {
				t.Fatalf("encrypted flag mismatch")
			}
			if got.Salt != salt {
				t.Fatalf("salt mismatch")
			}
			if got.EncryptionChecksum != checksum {
				t.Fatalf("checksum mismatch")
			}
		})
	}
}

func TestDecodeShortReadFails(t *testing.T) {
	buf := bytes.NewReader(make([]byte, Size-1))
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error on short header")
	}
}
