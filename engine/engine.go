// Package engine implements the synchronous record engine: the
// two-phase commit protocol, the slot allocator, and the load-time
// scanner. It knows nothing about serialization or compression —
// callers hand it already-encoded payload bytes and get
// already-encoded payload bytes back during a load scan, keeping the
// codec pluggable at the layer above.
package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/flashkv/flashkv/ferr"
	"github.com/flashkv/flashkv/header"
	"github.com/flashkv/flashkv/slotindex"
)

// Config controls how an Engine opens its backing file.
type Config struct {
	Path string

	// ReadOnly opens the file O_RDONLY; every mutating method returns
	// a CollectionReadOnly error.
	ReadOnly bool

	// BufferedWrites, when true, omits the intermediate flushes
	// between the payload write and the state commit.
	BufferedWrites bool
}

// BulkEntry is one (key, pre-encoded payload) pair for BulkAdd.
type BulkEntry[K comparable] struct {
	Key     K
	Payload []byte
}

// Engine owns the collection file handle, the stream lock, and the
// two in-memory slot indices. All exported methods are safe for
// concurrent use; file and index mutations are serialized by mu.
type Engine[K comparable] struct {
	mu  sync.Mutex
	cfg Config

	file *os.File
	tail int64 // current end-of-file offset; never shrinks except on Clear

	allocated *slotindex.Allocated[K]
	free      *slotindex.Free
}

// Create opens a brand-new collection file, writes hdr as its
// preamble, and returns an Engine with empty indices.
func Create[K comparable](cfg Config, hdr header.Header) (*Engine[K], error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ferr.Wrap(ferr.StorageFailure, "create collection file", err)
	}

	if err := hdr.Encode(f); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.StorageFailure, "write header", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.StorageFailure, "sync new header", err)
	}

	return &Engine[K]{
		cfg:       cfg,
		file:      f,
		tail:      header.Size,
		allocated: slotindex.NewAllocated[K](),
		free:      slotindex.NewFree(),
	}, nil
}

// Open opens an existing collection file and reads (but does not
// scan) its header. Call Load afterward to populate the indices.
func Open[K comparable](cfg Config) (*Engine[K], header.Header, error) {
	flag := os.O_RDWR
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(cfg.Path, flag, 0o644)
	if err != nil {
		return nil, header.Header{}, ferr.Wrap(ferr.StorageFailure, "open collection file", err)
	}

	hdr, err := header.Decode(f)
	if err != nil {
		f.Close()
		return nil, header.Header{}, ferr.Wrap(ferr.StorageFailure, "read header", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, header.Header{}, ferr.Wrap(ferr.StorageFailure, "stat collection file", err)
	}

	e := &Engine[K]{
		cfg:       cfg,
		file:      f,
		tail:      stat.Size(),
		allocated: slotindex.NewAllocated[K](),
		free:      slotindex.NewFree(),
	}

	return e, hdr, nil
}

// DecodeFunc decodes a slot payload and returns the key it belongs
// under, performing any side effect the caller needs (inserting into
// its own in-memory value map) as it goes.
type DecodeFunc[K comparable] func(payload []byte) (K, error)

// OnDecodeError is consulted when DecodeFunc fails for an Allocated
// slot; returning true (skip) continues the scan past that slot.
type OnDecodeError func(err error) (skip bool)

// Load performs a sequential scan of the file, starting right after
// the header and continuing to EOF. Allocated
// slots are handed to decode; Deleted and Pending slots become Free
// entries; runs of Unallocated bytes are walked one byte at a time.
func (e *Engine[K]) Load(decode DecodeFunc[K], onDecodeError OnDecodeError) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.file.Seek(header.Size, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "seek past header", err)
	}

	r := bufio.NewReader(e.file)
	pos := int64(header.Size)

	for {
		stateByte, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ferr.Wrap(ferr.StorageFailure, "read slot state", err)
		}
		pos++

		state := State(stateByte)
		if state == Unallocated {
			continue
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return ferr.Wrap(ferr.StorageFailure, "read slot length", err)
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
		pos += 4

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return ferr.Wrap(ferr.StorageFailure, "read slot payload", err)
		}

		slotOffset := pos - 5
		totalLen := uint32(5 + payloadLen)
		pos += int64(payloadLen)

		switch state {
		case Allocated:
			key, err := decode(payload)
			if err != nil {
				if onDecodeError != nil && onDecodeError(err) {
					continue // soft failure: skip, keep scanning
				}
				return &ferr.Error{Kind: ferr.DeserializationFailure, Msg: "load scan", Err: err}
			}
			e.allocated.Set(key, slotindex.Slot{Offset: uint32(slotOffset), Length: totalLen})
		case Deleted, Pending:
			e.free.Insert(uint32(slotOffset), totalLen)
		default:
			return ferr.New(ferr.StorageFailure, fmt.Sprintf("unknown slot state %d at offset %d", stateByte, slotOffset))
		}
	}

	e.tail = pos
	return nil
}

// Add performs the two-phase commit for a brand-new key: write
// Pending, flush, overwrite with Allocated, flush, index.
func (e *Engine[K]) Add(key K, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReadOnly {
		return ferr.New(ferr.CollectionReadOnly, "add")
	}

	return e.addLocked(key, payload)
}

func (e *Engine[K]) addLocked(key K, payload []byte) error {
	totalLen := uint32(frameOverhead + len(payload))

	offset, length, reused := e.free.FindFit(totalLen)
	if !reused {
		offset = uint32(e.tail)
	}

	// A reused slot may be longer than the new record. A Pending slot
	// reclaimed at load still holds its old payload, so zero the slack
	// past the new record to keep it walkable as Unallocated bytes.
	if reused && length > totalLen {
		if err := e.zeroRegion(int64(offset)+int64(totalLen), int(length-totalLen)); err != nil {
			return err
		}
	}

	if err := e.writeSlot(int64(offset), Pending, payload); err != nil {
		return err
	}
	if err := e.maybeSync(); err != nil {
		return err
	}

	if err := e.writeState(int64(offset), Allocated); err != nil {
		return err
	}
	if err := e.maybeSync(); err != nil {
		return err
	}

	e.allocated.Set(key, slotindex.Slot{Offset: offset, Length: totalLen})

	if !reused {
		e.tail += int64(totalLen)
	}

	return nil
}

// Update removes any existing slot for key (if present) and adds a
// new one under the same lock, without attempting in-place overwrite.
func (e *Engine[K]) Update(key K, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReadOnly {
		return ferr.New(ferr.CollectionReadOnly, "update")
	}

	if _, err := e.removeLocked(key); err != nil {
		return err
	}

	return e.addLocked(key, payload)
}

// Remove deletes the slot for key, zeroing its payload so a future
// load scan can walk over any unreclaimed slack byte by byte.
// Reports whether the key existed.
func (e *Engine[K]) Remove(key K) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReadOnly {
		return false, ferr.New(ferr.CollectionReadOnly, "remove")
	}

	return e.removeLocked(key)
}

func (e *Engine[K]) removeLocked(key K) (bool, error) {
	slot, ok := e.allocated.Get(key)
	if !ok {
		return false, nil
	}

	if err := e.writeState(int64(slot.Offset), Deleted); err != nil {
		return true, err
	}
	if err := e.maybeSync(); err != nil {
		return true, err
	}

	payloadLen := int(slot.Length) - frameOverhead
	if err := e.zeroRegion(int64(slot.Offset)+frameOverhead, payloadLen); err != nil {
		return true, err
	}
	if err := e.maybeSync(); err != nil {
		return true, err
	}

	e.allocated.Delete(key)
	e.free.Insert(slot.Offset, slot.Length)

	return true, nil
}

// BulkAdd appends entries to the file in order with no free-slot
// reuse, assuming (per the Facade's duplicate-key enforcement) that
// none of the keys are already present.
func (e *Engine[K]) BulkAdd(entries []BulkEntry[K]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReadOnly {
		return ferr.New(ferr.CollectionReadOnly, "bulk add")
	}

	for _, ent := range entries {
		totalLen := uint32(frameOverhead + len(ent.Payload))
		offset := uint32(e.tail)

		if err := e.writeSlot(int64(offset), Pending, ent.Payload); err != nil {
			return err
		}
		if err := e.maybeSync(); err != nil {
			return err
		}

		if err := e.writeState(int64(offset), Allocated); err != nil {
			return err
		}
		if err := e.maybeSync(); err != nil {
			return err
		}

		e.allocated.Set(ent.Key, slotindex.Slot{Offset: offset, Length: totalLen})
		e.tail += int64(totalLen)
	}

	return nil
}

// Clear truncates the file to just the header, re-emits hdr, and
// empties both indices.
func (e *Engine[K]) Clear(hdr header.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReadOnly {
		return ferr.New(ferr.CollectionReadOnly, "clear")
	}

	if err := e.file.Truncate(0); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "truncate collection file", err)
	}
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "seek to start", err)
	}
	if err := hdr.Encode(e.file); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "re-emit header", err)
	}
	if err := e.file.Sync(); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "sync cleared file", err)
	}

	e.allocated.Clear()
	e.free.Clear()
	e.tail = header.Size

	return nil
}

// SizeBytes returns the current end-of-file offset.
func (e *Engine[K]) SizeBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tail
}

// Count returns the number of live (Allocated) keys.
func (e *Engine[K]) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated.Len()
}

// Close releases the underlying file handle.
func (e *Engine[K]) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.file.Close(); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "close collection file", err)
	}
	return nil
}

// DeleteFile removes the collection file from disk. Call after Close.
func (e *Engine[K]) DeleteFile() error {
	if err := os.Remove(e.cfg.Path); err != nil && !os.IsNotExist(err) {
		return ferr.Wrap(ferr.StorageFailure, "delete collection file", err)
	}
	return nil
}

func (e *Engine[K]) writeSlot(offset int64, state State, payload []byte) error {
	buf := make([]byte, frameOverhead+len(payload))
	buf[0] = byte(state)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)

	if _, err := e.file.Seek(offset, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "seek to slot", err)
	}
	if _, err := e.file.Write(buf); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "write slot", err)
	}
	return nil
}

func (e *Engine[K]) writeState(offset int64, state State) error {
	if _, err := e.file.Seek(offset, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "seek to slot state", err)
	}
	if _, err := e.file.Write([]byte{byte(state)}); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "write slot state", err)
	}
	return nil
}

func (e *Engine[K]) zeroRegion(offset int64, length int) error {
	if length <= 0 {
		return nil
	}

	if _, err := e.file.Seek(offset, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "seek to payload region", err)
	}
	if _, err := e.file.Write(make([]byte, length)); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "zero payload region", err)
	}
	return nil
}

func (e *Engine[K]) maybeSync() error {
	if e.cfg.BufferedWrites {
		return nil
	}
	if err := e.file.Sync(); err != nil {
		return ferr.Wrap(ferr.StorageFailure, "sync collection file", err)
	}
	return nil
}
