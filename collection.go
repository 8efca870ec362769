// Package flashkv is an embedded, single-process, thread-safe
// key-value document store: one append-style file per collection, a
// slot allocator with tombstone reuse, a two-phase commit protocol
// guaranteeing crash safety, and an optional three-stage pipelined
// write path.
package flashkv

import (
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/flashkv/flashkv/codec"
	"github.com/flashkv/flashkv/engine"
	"github.com/flashkv/flashkv/ferr"
	"github.com/flashkv/flashkv/header"
	"github.com/flashkv/flashkv/pipeline"
)

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_ ]+$`)

func validDatabaseName(name string) bool {
	return name != "" && databaseNamePattern.MatchString(name)
}

// Record is one (key, value) pair, handed out by Collection.Iterate.
type Record[K comparable, V any] struct {
	Key   K
	Value V
}

// Collection is the per-collection facade: it owns the authoritative
// in-memory value map, the Record Engine, and the write pipeline
// sitting in front of it.
type Collection[K comparable, V any] struct {
	name string
	opts Options[K, V]
	cdc  *codec.Codec[K, V]

	mu     sync.RWMutex
	values map[K]V
	loaded bool
	closed bool

	eng  *engine.Engine[K] // nil if IsMemoryOnlyEnabled
	pipe *pipeline.Pipeline[K, V]

	onAsyncError func(error)
}

// Open constructs a Collection: it synthesizes or reads the file
// header, reconciles encryption/compression from it, and starts the
// write pipeline — but does not yet populate the value map. Call Load
// before using the collection, unless IsMemoryOnlyEnabled is set.
func Open[K comparable, V any](name string, opts Options[K, V]) (*Collection[K, V], error) {
	if !validDatabaseName(opts.DatabaseName) {
		return nil, ferr.New(ferr.InvalidDatabaseName, opts.DatabaseName)
	}
	if opts.IsEncryptionEnabled && opts.EncryptionPassword == "" {
		return nil, ferr.New(ferr.EncryptionConfigMissing, name)
	}

	c := &Collection[K, V]{
		name:         name,
		opts:         opts,
		values:       make(map[K]V),
		onAsyncError: func(error) {},
	}

	if opts.IsMemoryOnlyEnabled {
		c.loaded = true
		return c, nil
	}

	dir := filepath.Join(opts.BaseDirectory, opts.DatabaseName)
	if !opts.IsReadOnlyEnabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ferr.Wrap(ferr.StorageFailure, "create database directory", err)
		}
	}
	path := filepath.Join(dir, name+"."+opts.FileExtension)

	eng, hdr, cipher, err := openOrCreateEngine(path, opts)
	if err != nil {
		return nil, err
	}
	c.eng = eng

	effectiveCompress := hdr.Flags.Compressed()
	c.cdc = codec.New[K, V](opts.Serializer, effectiveCompress, cipher)

	c.pipe = pipeline.New(pipeline.Options[K, V]{
		Mode:                   opts.BufferMode,
		Engine:                 eng,
		Encode:                 c.cdc.Encode,
		MaxDegreeOfParallelism: opts.MaxDegreeOfParallelism,
		OnAsyncError:           func(err error) { c.onAsyncError(err) },
	})

	return c, nil
}

// openOrCreateEngine opens the existing collection file (reconciling
// encryption from its header) or creates a fresh one, synthesizing a
// header and, if encryption is enabled, a fresh salt.
func openOrCreateEngine[K comparable, V any](path string, opts Options[K, V]) (*engine.Engine[K], header.Header, *codec.Cipher, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		eng, hdr, err := engine.Open[K](engine.Config{
			Path:           path,
			ReadOnly:       opts.IsReadOnlyEnabled,
			BufferedWrites: opts.IsBufferedWritesEnabled,
		})
		if err != nil {
			return nil, header.Header{}, nil, err
		}

		if hdr.Serializer != opts.Serializer.Tag() {
			eng.Close()
			return nil, header.Header{}, nil, ferr.New(ferr.DeserializationFailure,
				fmt.Sprintf("collection file uses serializer %v, configured serializer is %v", hdr.Serializer, opts.Serializer.Tag()))
		}

		var cipher *codec.Cipher
		if hdr.Flags.Encrypted() {
			if opts.EncryptionPassword == "" {
				eng.Close()
				return nil, header.Header{}, nil, ferr.New(ferr.EncryptionConfigMissing, path)
			}
			cipher, err = codec.NewCipher(opts.EncryptionPassword, hdr.Salt, opts.EncryptionAlgorithm)
			if err != nil {
				eng.Close()
				return nil, header.Header{}, nil, ferr.Wrap(ferr.DecryptionFailure, "derive cipher", err)
			}
			if !cipher.VerifyChecksum(hdr.Salt, hdr.EncryptionChecksum) {
				eng.Close()
				return nil, header.Header{}, nil, ferr.New(ferr.DecryptionFailure, "password does not match collection")
			}
		}

		return eng, hdr, cipher, nil
	}

	if opts.IsReadOnlyEnabled {
		return nil, header.Header{}, nil, ferr.Wrap(ferr.StorageFailure, "open collection file", os.ErrNotExist)
	}

	var salt [16]byte
	var checksum [16]byte
	var cipher *codec.Cipher
	if opts.IsEncryptionEnabled {
		var err error
		salt, err = codec.GenerateSalt()
		if err != nil {
			return nil, header.Header{}, nil, ferr.Wrap(ferr.StorageFailure, "generate salt", err)
		}
		cipher, err = codec.NewCipher(opts.EncryptionPassword, salt, opts.EncryptionAlgorithm)
		if err != nil {
			return nil, header.Header{}, nil, ferr.Wrap(ferr.StorageFailure, "derive cipher", err)
		}
		checksum = cipher.Checksum(salt)
	}

	hdr := header.New(opts.Serializer.Tag(), opts.IsCompressionEnabled, opts.IsEncryptionEnabled, salt, checksum)
	eng, err := engine.Create[K](engine.Config{
		Path:           path,
		ReadOnly:       opts.IsReadOnlyEnabled,
		BufferedWrites: opts.IsBufferedWritesEnabled,
	}, hdr)
	if err != nil {
		return nil, header.Header{}, nil, err
	}

	return eng, hdr, cipher, nil
}

// OnAsyncError registers a callback invoked when a Buffered or
// ParallelBuffered write fails after the caller's Submit already
// returned. Not safe to call concurrently with writes.
func (c *Collection[K, V]) OnAsyncError(f func(error)) {
	c.onAsyncError = f
}

// Load scans the file and populates the value map. A no-op (success)
// for memory-only collections. Fails with CollectionAlreadyOpen if
// already loaded.
func (c *Collection[K, V]) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eng == nil { // memory-only
		c.loaded = true
		return nil
	}

	if c.loaded {
		return ferr.New(ferr.CollectionAlreadyOpen, c.name)
	}

	err := c.eng.Load(func(payload []byte) (K, error) {
		key, value, err := c.cdc.Decode(payload)
		if err != nil {
			var zero K
			return zero, err
		}
		c.values[key] = value
		return key, nil
	}, func(err error) bool {
		return c.opts.DeserializationFailureBehavior == ReturnFalseOnFailure
	})
	if err != nil {
		return err
	}

	c.loaded = true
	return nil
}

func (c *Collection[K, V]) checkWritable() error {
	if c.closed {
		return ferr.New(ferr.CollectionClosed, c.name)
	}
	if !c.loaded {
		return ferr.New(ferr.NotLoaded, c.name)
	}
	if c.opts.IsReadOnlyEnabled {
		return ferr.New(ferr.CollectionReadOnly, c.name)
	}
	return nil
}

func (c *Collection[K, V]) checkReadable() error {
	if c.closed {
		return ferr.New(ferr.CollectionClosed, c.name)
	}
	if !c.loaded {
		return ferr.New(ferr.NotLoaded, c.name)
	}
	return nil
}

func (c *Collection[K, V]) handleFailure(b FailureBehavior, err error) error {
	if b == Raise {
		return err
	}
	return nil
}

func (c *Collection[K, V]) submit(op pipeline.Op, key K, value V) error {
	if c.opts.IsMemoryOnlyEnabled {
		return nil
	}
	return c.pipe.Submit(op, key, value)
}

// Add inserts key with value. On duplicate key, behavior is governed
// by AddDuplicateKeyBehavior.
func (c *Collection[K, V]) Add(key K, value V) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return false, err
	}

	oldValue, exists := c.values[key]
	if exists {
		switch c.opts.AddDuplicateKeyBehavior {
		case ReturnFalse:
			return false, nil
		case Upsert:
			// fall through to the update path below.
		default:
			return false, ferr.New(ferr.DuplicateKey, fmt.Sprintf("%v", key))
		}
	}

	op := pipeline.OpAdd
	if exists {
		op = pipeline.OpUpdate
	}

	c.values[key] = value
	if err := c.submit(op, key, value); err != nil {
		if exists {
			c.values[key] = oldValue
		} else {
			delete(c.values, key)
		}
		return false, c.handleFailure(c.opts.StorageFailureBehavior, err)
	}

	return true, nil
}

// Update replaces the value for an existing key. On missing key,
// behavior is governed by UpdateKeyNotFoundBehavior.
func (c *Collection[K, V]) Update(key K, value V) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return false, err
	}

	oldValue, exists := c.values[key]
	if !exists {
		if c.opts.UpdateKeyNotFoundBehavior == MissingReturnFalse {
			return false, nil
		}
		return false, ferr.New(ferr.KeyNotFound, fmt.Sprintf("%v", key))
	}

	c.values[key] = value
	if err := c.submit(pipeline.OpUpdate, key, value); err != nil {
		c.values[key] = oldValue
		return false, c.handleFailure(c.opts.StorageFailureBehavior, err)
	}

	return true, nil
}

// AddOrUpdate always succeeds if the collection is writable.
func (c *Collection[K, V]) AddOrUpdate(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return err
	}

	oldValue, exists := c.values[key]
	op := pipeline.OpAdd
	if exists {
		op = pipeline.OpUpdate
	}

	c.values[key] = value
	if err := c.submit(op, key, value); err != nil {
		if exists {
			c.values[key] = oldValue
		} else {
			delete(c.values, key)
		}
		return c.handleFailure(c.opts.StorageFailureBehavior, err)
	}

	return nil
}

// Remove deletes key. On missing key, behavior is governed by
// RemoveKeyNotFoundBehavior. Returns the removed value.
func (c *Collection[K, V]) Remove(key K) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if err := c.checkWritable(); err != nil {
		return zero, false, err
	}

	oldValue, exists := c.values[key]
	if !exists {
		if c.opts.RemoveKeyNotFoundBehavior == MissingReturnFalse {
			return zero, false, nil
		}
		return zero, false, ferr.New(ferr.KeyNotFound, fmt.Sprintf("%v", key))
	}

	delete(c.values, key)
	if err := c.submit(pipeline.OpRemove, key, zero); err != nil {
		c.values[key] = oldValue
		return zero, false, c.handleFailure(c.opts.StorageFailureBehavior, err)
	}

	return oldValue, true, nil
}

// BulkAdd applies the duplicate policy to the whole input:
// FailWithError/ReturnFalse abort before any state change if any key
// already exists; Upsert updates existing keys one at a time and
// bulk-appends the rest in a single engine call.
func (c *Collection[K, V]) BulkAdd(entries map[K]V) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return false, err
	}

	duplicates := make(map[K]bool)
	for k := range entries {
		if _, exists := c.values[k]; exists {
			duplicates[k] = true
		}
	}

	if len(duplicates) > 0 {
		switch c.opts.BulkAddDuplicateKeyBehavior {
		case ReturnFalse:
			return false, nil
		case FailWithError:
			return false, ferr.New(ferr.DuplicateKey, fmt.Sprintf("%d duplicate keys", len(duplicates)))
		}
	}

	var newEntries []engine.BulkEntry[K]
	appliedNew := make([]K, 0, len(entries))

	for k, v := range entries {
		if duplicates[k] {
			continue
		}
		if !c.opts.IsMemoryOnlyEnabled {
			payload, err := c.cdc.Encode(k, v)
			if err != nil {
				for _, applied := range appliedNew {
					delete(c.values, applied)
				}
				return false, c.handleFailure(c.opts.SerializationFailureBehavior, err)
			}
			newEntries = append(newEntries, engine.BulkEntry[K]{Key: k, Payload: payload})
		}
		c.values[k] = v
		appliedNew = append(appliedNew, k)
	}

	if !c.opts.IsMemoryOnlyEnabled && len(newEntries) > 0 {
		if err := c.eng.BulkAdd(newEntries); err != nil {
			for _, applied := range appliedNew {
				delete(c.values, applied)
			}
			return false, c.handleFailure(c.opts.StorageFailureBehavior, err)
		}
	}

	for k := range duplicates {
		oldValue := c.values[k]
		v := entries[k]
		c.values[k] = v
		if err := c.submit(pipeline.OpUpdate, k, v); err != nil {
			c.values[k] = oldValue
			return false, c.handleFailure(c.opts.StorageFailureBehavior, err)
		}
	}

	return true, nil
}

// BulkRemove is best-effort: it continues across missing keys and
// reports how many were actually removed.
func (c *Collection[K, V]) BulkRemove(keys []K) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return 0, err
	}

	var zero V
	removed := 0
	for _, k := range keys {
		if _, exists := c.values[k]; !exists {
			continue
		}
		delete(c.values, k)
		if err := c.submit(pipeline.OpRemove, k, zero); err != nil {
			c.onAsyncError(err) // best-effort: report and keep going
		}
		removed++
	}

	return removed, nil
}

// TryGet returns the value for key and whether it was present.
func (c *Collection[K, V]) TryGet(key K) (V, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	if err := c.checkReadable(); err != nil {
		return zero, false, err
	}

	v, ok := c.values[key]
	return v, ok, nil
}

// Contains reports whether key is present.
func (c *Collection[K, V]) Contains(key K) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkReadable(); err != nil {
		return false, err
	}

	_, ok := c.values[key]
	return ok, nil
}

// Count returns the number of live keys.
func (c *Collection[K, V]) Count() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkReadable(); err != nil {
		return 0, err
	}
	return len(c.values), nil
}

// SizeBytes returns the current on-disk size, or 0 for memory-only
// collections.
func (c *Collection[K, V]) SizeBytes() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkReadable(); err != nil {
		return 0, err
	}
	if c.eng == nil {
		return 0, nil
	}
	return c.eng.SizeBytes(), nil
}

// Iterate returns a single-use iterator over every (key, value) pair,
// snapshotting the map under a read lock so the caller can range over
// it without holding the collection lock for the duration.
func (c *Collection[K, V]) Iterate() (iter.Seq[Record[K, V]], error) {
	c.mu.RLock()
	if err := c.checkReadable(); err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	snapshot := make([]Record[K, V], 0, len(c.values))
	for k, v := range c.values {
		snapshot = append(snapshot, Record[K, V]{Key: k, Value: v})
	}
	c.mu.RUnlock()

	return func(yield func(Record[K, V]) bool) {
		for _, r := range snapshot {
			if !yield(r) {
				return
			}
		}
	}, nil
}

// IterateValues is Iterate with only the value half of each pair.
func (c *Collection[K, V]) IterateValues() (iter.Seq[V], error) {
	pairs, err := c.Iterate()
	if err != nil {
		return nil, err
	}
	return func(yield func(V) bool) {
		for r := range pairs {
			if !yield(r.Value) {
				return
			}
		}
	}, nil
}

// Flush blocks until every already-submitted write has reached the
// file.
func (c *Collection[K, V]) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkReadable(); err != nil {
		return err
	}
	if c.pipe == nil {
		return nil
	}
	return c.pipe.Flush()
}

// Clear empties the collection: both the in-memory map and, unless
// memory-only, the file (truncate, re-header, pipeline restart).
func (c *Collection[K, V]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return err
	}

	c.values = make(map[K]V)

	if c.eng == nil {
		return nil
	}

	salt, checksum, cipher, err := c.freshSaltAndCipher()
	if err != nil {
		return err
	}
	hdr := header.New(c.opts.Serializer.Tag(), c.opts.IsCompressionEnabled, c.opts.IsEncryptionEnabled, salt, checksum)

	// The file is about to be rewritten under a new salt, so the codec
	// must encrypt with a cipher derived from that same salt from this
	// point on, or data written after Clear becomes undecryptable on
	// reopen.
	c.cdc = codec.New[K, V](c.opts.Serializer, c.opts.IsCompressionEnabled, cipher)

	return c.pipe.Clear(hdr, c.cdc.Encode)
}

func (c *Collection[K, V]) freshSaltAndCipher() ([16]byte, [16]byte, *codec.Cipher, error) {
	var salt, checksum [16]byte
	if !c.opts.IsEncryptionEnabled {
		return salt, checksum, nil, nil
	}

	var err error
	salt, err = codec.GenerateSalt()
	if err != nil {
		return salt, checksum, nil, ferr.Wrap(ferr.StorageFailure, "generate salt for clear", err)
	}

	cipher, err := codec.NewCipher(c.opts.EncryptionPassword, salt, c.opts.EncryptionAlgorithm)
	if err != nil {
		return salt, checksum, nil, ferr.Wrap(ferr.StorageFailure, "derive cipher for clear", err)
	}
	checksum = cipher.Checksum(salt)

	return salt, checksum, cipher, nil
}

// Defragment is a deliberate no-op: slot reuse already keeps the file
// from growing unbounded under steady churn, so there is no separate
// compaction pass to run.
func (c *Collection[K, V]) Defragment() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkReadable()
}

// Close drains the pipeline fully, releases the file handle, and
// clears the in-memory map. Safe to call once; Close on an already
// closed collection returns CollectionClosed.
func (c *Collection[K, V]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ferr.New(ferr.CollectionClosed, c.name)
	}
	c.closed = true

	if c.pipe != nil {
		if err := c.pipe.Close(); err != nil {
			return err
		}
	}
	if c.eng != nil {
		if err := c.eng.Close(); err != nil {
			return err
		}
	}

	c.values = nil
	return nil
}

// Delete closes the collection (if not already closed) and removes
// its backing file.
func (c *Collection[K, V]) Delete() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	eng := c.eng
	c.mu.Unlock()

	if !alreadyClosed {
		if err := c.Close(); err != nil {
			return err
		}
	}

	if eng == nil {
		return nil
	}
	return eng.DeleteFile()
}

var _ io.Closer = (*Collection[int, int])(nil)
