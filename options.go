package flashkv

import (
	"github.com/flashkv/flashkv/codec"
	"github.com/flashkv/flashkv/pipeline"
)

// DuplicateKeyBehavior governs what add/bulkAdd do when a key is
// already present.
type DuplicateKeyBehavior int

const (
	FailWithError DuplicateKeyBehavior = iota
	Upsert
	ReturnFalse
)

// MissingKeyBehavior governs what update/remove do when a key is
// absent.
type MissingKeyBehavior int

const (
	MissingFailWithError MissingKeyBehavior = iota
	MissingReturnFalse
)

// FailureBehavior selects whether a boundary error class surfaces to
// the caller (Raise) or is swallowed into a false/zero return
// (ReturnFalseOnFailure).
type FailureBehavior int

const (
	Raise FailureBehavior = iota
	ReturnFalseOnFailure
)

// Options configures a Collection. The zero value is not directly
// usable; build one with NewOptions, which applies sensible defaults
// and lets callers override individual fields with functional options.
type Options[K comparable, V any] struct {
	BaseDirectory string
	DatabaseName  string
	FileExtension string

	// Serializer picks the codec framing and, via its Tag method, the
	// header's serializer byte. Construct one of codec.GobSerializer,
	// codec.JSONSerializer, or codec.BinaryContractSerializer.
	Serializer codec.Serializer[K, V]

	BufferMode             pipeline.Mode
	MaxDegreeOfParallelism int64

	IsMemoryOnlyEnabled bool
	IsReadOnlyEnabled   bool

	IsEncryptionEnabled bool
	EncryptionPassword  string
	EncryptionAlgorithm codec.HashAlgorithm

	IsCompressionEnabled    bool
	IsBufferedWritesEnabled bool

	AddDuplicateKeyBehavior     DuplicateKeyBehavior
	BulkAddDuplicateKeyBehavior DuplicateKeyBehavior
	UpdateKeyNotFoundBehavior   MissingKeyBehavior
	RemoveKeyNotFoundBehavior   MissingKeyBehavior

	StorageFailureBehavior         FailureBehavior
	SerializationFailureBehavior   FailureBehavior
	DeserializationFailureBehavior FailureBehavior

	// GeneratedFileNameCreationFunction holds a function from a value
	// type's name to a file-name stem. Open and GetOrCreateCollection
	// always take an explicit collection name and do not call it.
	GeneratedFileNameCreationFunction func(valueTypeName string) string
}

// Option mutates an Options value; apply with NewOptions.
type Option[K comparable, V any] func(*Options[K, V])

func defaultOptions[K comparable, V any]() Options[K, V] {
	return Options[K, V]{
		FileExtension:                  "flashkv",
		Serializer:                     codec.GobSerializer[K, V]{},
		BufferMode:                     pipeline.Disabled,
		MaxDegreeOfParallelism:         8,
		EncryptionAlgorithm:            codec.SHA256,
		AddDuplicateKeyBehavior:        FailWithError,
		BulkAddDuplicateKeyBehavior:    FailWithError,
		UpdateKeyNotFoundBehavior:      MissingFailWithError,
		RemoveKeyNotFoundBehavior:      MissingFailWithError,
		StorageFailureBehavior:         Raise,
		SerializationFailureBehavior:   Raise,
		DeserializationFailureBehavior: Raise,
	}
}

// NewOptions builds an Options value from the defaults plus the given
// functional options, applied in order.
func NewOptions[K comparable, V any](opts ...Option[K, V]) Options[K, V] {
	o := defaultOptions[K, V]()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithBaseDirectory[K comparable, V any](dir string) Option[K, V] {
	return func(o *Options[K, V]) { o.BaseDirectory = dir }
}

func WithDatabaseName[K comparable, V any](name string) Option[K, V] {
	return func(o *Options[K, V]) { o.DatabaseName = name }
}

func WithFileExtension[K comparable, V any](ext string) Option[K, V] {
	return func(o *Options[K, V]) { o.FileExtension = ext }
}

func WithSerializer[K comparable, V any](s codec.Serializer[K, V]) Option[K, V] {
	return func(o *Options[K, V]) { o.Serializer = s }
}

func WithBufferMode[K comparable, V any](m pipeline.Mode) Option[K, V] {
	return func(o *Options[K, V]) { o.BufferMode = m }
}

func WithMaxDegreeOfParallelism[K comparable, V any](n int64) Option[K, V] {
	return func(o *Options[K, V]) { o.MaxDegreeOfParallelism = n }
}

func WithMemoryOnly[K comparable, V any]() Option[K, V] {
	return func(o *Options[K, V]) { o.IsMemoryOnlyEnabled = true }
}

func WithReadOnly[K comparable, V any]() Option[K, V] {
	return func(o *Options[K, V]) { o.IsReadOnlyEnabled = true }
}

func WithEncryption[K comparable, V any](password string, algo codec.HashAlgorithm) Option[K, V] {
	return func(o *Options[K, V]) {
		o.IsEncryptionEnabled = true
		o.EncryptionPassword = password
		o.EncryptionAlgorithm = algo
	}
}

func WithCompression[K comparable, V any]() Option[K, V] {
	return func(o *Options[K, V]) { o.IsCompressionEnabled = true }
}

func WithBufferedWrites[K comparable, V any]() Option[K, V] {
	return func(o *Options[K, V]) { o.IsBufferedWritesEnabled = true }
}

func WithAddDuplicateKeyBehavior[K comparable, V any](b DuplicateKeyBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.AddDuplicateKeyBehavior = b }
}

func WithBulkAddDuplicateKeyBehavior[K comparable, V any](b DuplicateKeyBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.BulkAddDuplicateKeyBehavior = b }
}

func WithUpdateKeyNotFoundBehavior[K comparable, V any](b MissingKeyBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.UpdateKeyNotFoundBehavior = b }
}

func WithRemoveKeyNotFoundBehavior[K comparable, V any](b MissingKeyBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.RemoveKeyNotFoundBehavior = b }
}

func WithStorageFailureBehavior[K comparable, V any](b FailureBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.StorageFailureBehavior = b }
}

func WithSerializationFailureBehavior[K comparable, V any](b FailureBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.SerializationFailureBehavior = b }
}

func WithDeserializationFailureBehavior[K comparable, V any](b FailureBehavior) Option[K, V] {
	return func(o *Options[K, V]) { o.DeserializationFailureBehavior = b }
}

func WithGeneratedFileNameCreationFunction[K comparable, V any](f func(valueTypeName string) string) Option[K, V] {
	return func(o *Options[K, V]) { o.GeneratedFileNameCreationFunction = f }
}
