// Package pipeline implements the three write modes sitting in front
// of the record engine: Disabled (direct synchronous engine calls),
// Buffered (a single MPSC queue drained by one worker), and
// ParallelBuffered (a bounded-parallel transform stage, a sequencer
// that restores submission order, and a single file-system worker
// that applies entries to the Record Engine in order).
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/flashkv/flashkv/engine"
	"github.com/flashkv/flashkv/ferr"
	"github.com/flashkv/flashkv/header"
)

// Mode selects which of the three write paths a Pipeline runs.
type Mode int

const (
	Disabled Mode = iota
	Buffered
	ParallelBuffered
)

// Op identifies the kind of mutation a submitted entry performs.
type Op int

const (
	OpAdd Op = iota
	OpUpdate
	OpRemove
)

// EncodeFunc produces the already-framed payload bytes for an
// add/update operation; it is not called for OpRemove.
type EncodeFunc[K comparable, V any] func(key K, value V) ([]byte, error)

// Options configures a Pipeline.
type Options[K comparable, V any] struct {
	Mode                   Mode
	Engine                 *engine.Engine[K]
	Encode                 EncodeFunc[K, V]
	MaxDegreeOfParallelism int64 // ParallelBuffered only; default 8 if <= 0
	OnAsyncError           func(error)
}

// Pipeline is the write path sitting between the Collection Facade
// and the Record Engine.
type Pipeline[K comparable, V any] struct {
	mode       Mode
	eng        *engine.Engine[K]
	encode     EncodeFunc[K, V]
	onAsyncErr func(error)

	mu     sync.Mutex
	closed bool

	// Buffered mode.
	bufCh       chan bufEntry[K, V]
	bufLoopDone chan struct{}
	bufCtx      context.Context
	bufCancel   context.CancelFunc

	// ParallelBuffered mode.
	sem          *semaphore.Weighted
	submitMu     sync.Mutex
	nextSeq      uint64
	seqMu        sync.Mutex
	seqCond      *sync.Cond
	sparse       map[uint64]*parallelEntry[K]
	expectedSeq  uint64
	fsWorkerDone chan struct{}
	parallelDone bool // true once fsWorker should exit after draining sparse
	inFlight     sync.WaitGroup
	pctx         context.Context
	pcancel      context.CancelFunc
}

// bufEntry travels the Buffered-mode queue. A zero-value ack means a
// real mutation; flushBuffered instead enqueues an entry whose only
// job is to close ack once every entry ahead of it has been applied,
// giving Flush a FIFO-ordered barrier without a dedicated stage.
type bufEntry[K comparable, V any] struct {
	op    Op
	key   K
	value V
	ack   chan struct{}
}

type parallelEntry[K comparable] struct {
	seq       uint64
	op        Op
	key       K
	payload   []byte
	err       error
	cancelled bool
}

// New constructs a Pipeline in the requested mode. For Disabled mode
// it is a thin pass-through; for Buffered/ParallelBuffered it starts
// the background worker goroutine(s).
func New[K comparable, V any](opts Options[K, V]) *Pipeline[K, V] {
	onErr := opts.OnAsyncError
	if onErr == nil {
		onErr = func(error) {}
	}

	p := &Pipeline[K, V]{
		mode:       opts.Mode,
		eng:        opts.Engine,
		encode:     opts.Encode,
		onAsyncErr: onErr,
	}

	switch opts.Mode {
	case Buffered:
		p.startBuffered()
	case ParallelBuffered:
		maxPar := opts.MaxDegreeOfParallelism
		if maxPar <= 0 {
			maxPar = 8
		}
		p.sem = semaphore.NewWeighted(maxPar)
		p.seqCond = sync.NewCond(&p.seqMu)
		p.sparse = make(map[uint64]*parallelEntry[K])
		p.expectedSeq = 1
		p.startParallel()
	}

	return p
}

func (p *Pipeline[K, V]) startBuffered() {
	p.bufCh = make(chan bufEntry[K, V], 1024)
	p.bufLoopDone = make(chan struct{})
	p.bufCtx, p.bufCancel = context.WithCancel(context.Background())
	go p.bufferedLoop()
}

func (p *Pipeline[K, V]) startParallel() {
	p.pctx, p.pcancel = context.WithCancel(context.Background())
	p.fsWorkerDone = make(chan struct{})
	go p.fsWorkerLoop()
}

// Submit enqueues (or, in Disabled mode, synchronously performs) one
// mutation. For Add/Update, value is encoded by the caller's configured
// Encode function; for Remove, value is ignored.
func (p *Pipeline[K, V]) Submit(op Op, key K, value V) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ferr.New(ferr.CollectionClosed, "submit")
	}
	p.mu.Unlock()

	switch p.mode {
	case Disabled:
		return p.applyInline(op, key, value)
	case Buffered:
		return p.submitBuffered(op, key, value)
	default:
		return p.submitParallel(op, key, value)
	}
}

func (p *Pipeline[K, V]) applyInline(op Op, key K, value V) error {
	switch op {
	case OpAdd, OpUpdate:
		payload, err := p.encode(key, value)
		if err != nil {
			return err
		}
		if op == OpAdd {
			return p.eng.Add(key, payload)
		}
		return p.eng.Update(key, payload)
	default: // OpRemove
		_, err := p.eng.Remove(key)
		return err
	}
}

func (p *Pipeline[K, V]) submitBuffered(op Op, key K, value V) error {
	select {
	case p.bufCh <- bufEntry[K, V]{op: op, key: key, value: value}:
		return nil
	case <-p.bufCtx.Done():
		return ferr.New(ferr.CollectionClosed, "submit")
	}
}

// bufferedLoop is the single drain worker for Buffered mode: on
// cancellation it keeps draining whatever is already enqueued rather
// than dropping it.
func (p *Pipeline[K, V]) bufferedLoop() {
	defer close(p.bufLoopDone)

	for {
		select {
		case entry, ok := <-p.bufCh:
			if !ok {
				return
			}
			p.applyBuffered(entry)
		case <-p.bufCtx.Done():
			p.drainBufferedChannel()
			return
		}
	}
}

func (p *Pipeline[K, V]) drainBufferedChannel() {
	for {
		select {
		case entry, ok := <-p.bufCh:
			if !ok {
				return
			}
			p.applyBuffered(entry)
		default:
			return
		}
	}
}

func (p *Pipeline[K, V]) applyBuffered(entry bufEntry[K, V]) {
	if entry.ack != nil {
		close(entry.ack)
		return
	}
	if err := p.applyInline(entry.op, entry.key, entry.value); err != nil {
		p.onAsyncErr(err)
	}
}

// submitParallel assigns a monotonically increasing sequence id under
// submitMu, so assignment order equals call order even when Submit is
// called concurrently from many goroutines, then dispatches a bounded
// transformation task.
func (p *Pipeline[K, V]) submitParallel(op Op, key K, value V) error {
	p.submitMu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	p.submitMu.Unlock()

	p.inFlight.Add(1)
	go p.transform(seq, op, key, value)

	return nil
}

func (p *Pipeline[K, V]) transform(seq uint64, op Op, key K, value V) {
	defer p.inFlight.Done()

	if p.pctx.Err() != nil {
		p.deliver(&parallelEntry[K]{seq: seq, op: op, key: key, cancelled: true})
		return
	}

	if err := p.sem.Acquire(p.pctx, 1); err != nil {
		p.deliver(&parallelEntry[K]{seq: seq, op: op, key: key, cancelled: true})
		return
	}
	defer p.sem.Release(1)

	entry := &parallelEntry[K]{seq: seq, op: op, key: key}

	if op != OpRemove {
		payload, err := p.encode(key, value)
		entry.payload = payload
		entry.err = err
	}

	p.deliver(entry)
}

// deliver places a completed (or cancelled) entry into the sparse
// buffer and wakes the file-system worker, which applies entries
// strictly in sequence-id order.
func (p *Pipeline[K, V]) deliver(entry *parallelEntry[K]) {
	p.seqMu.Lock()
	p.sparse[entry.seq] = entry
	p.seqCond.Broadcast()
	p.seqMu.Unlock()
}

func (p *Pipeline[K, V]) fsWorkerLoop() {
	defer close(p.fsWorkerDone)

	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	for {
		entry, ok := p.sparse[p.expectedSeq]
		if !ok {
			if p.parallelDone && len(p.sparse) == 0 {
				return
			}
			p.seqCond.Wait()
			continue
		}

		p.seqMu.Unlock()
		p.applyParallelEntry(entry)
		p.seqMu.Lock()

		delete(p.sparse, p.expectedSeq)
		p.expectedSeq++
		p.seqCond.Broadcast()
	}
}

func (p *Pipeline[K, V]) applyParallelEntry(entry *parallelEntry[K]) {
	if entry.cancelled {
		return
	}
	if entry.err != nil {
		p.onAsyncErr(entry.err)
		return
	}

	var err error
	switch entry.op {
	case OpAdd:
		err = p.eng.Add(entry.key, entry.payload)
	case OpUpdate:
		err = p.eng.Update(entry.key, entry.payload)
	case OpRemove:
		_, err = p.eng.Remove(entry.key)
	}

	if err != nil {
		p.onAsyncErr(err)
	}
}

// Flush blocks until every already-submitted operation has reached
// the file: the transform stage, the sequencer, and the file-system
// worker are all caught up with whatever had been submitted by the
// time Flush was called.
func (p *Pipeline[K, V]) Flush() error {
	switch p.mode {
	case Disabled:
		return nil
	case Buffered:
		return p.flushBuffered()
	default:
		p.submitMu.Lock()
		target := p.nextSeq
		p.submitMu.Unlock()

		p.inFlight.Wait()

		p.seqMu.Lock()
		for p.expectedSeq <= target && !p.parallelDone {
			p.seqCond.Wait()
		}
		p.seqMu.Unlock()
		return nil
	}
}

// flushBuffered enqueues an ack-only marker behind everything already
// queued; because the channel is strictly FIFO, the marker's ack
// closing means every entry submitted before Flush was called has
// been applied.
func (p *Pipeline[K, V]) flushBuffered() error {
	ack := make(chan struct{})
	select {
	case p.bufCh <- bufEntry[K, V]{ack: ack}:
	case <-p.bufCtx.Done():
		return nil
	}

	select {
	case <-ack:
	case <-p.bufCtx.Done():
	}
	return nil
}

// Close drains every submitted operation fully, then stops the
// background worker(s). Safe to call once; later calls are no-ops.
func (p *Pipeline[K, V]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	switch p.mode {
	case Buffered:
		close(p.bufCh)
		<-p.bufLoopDone
	case ParallelBuffered:
		p.inFlight.Wait()
		p.seqMu.Lock()
		p.parallelDone = true
		p.seqCond.Broadcast()
		p.seqMu.Unlock()
		<-p.fsWorkerDone
		p.pcancel()
	}

	return nil
}

// Clear cancels any in-flight transformation work, discarding any
// partially-serialized bytes, waits for the pipeline to settle,
// truncates and re-headers the file via the engine, then restarts the
// pipeline so it can keep accepting submissions. encode replaces the
// Pipeline's encode function before it restarts, so a caller that
// rotates its codec (e.g. a fresh encryption salt) as part of
// clearing never has a stale encoder left behind.
func (p *Pipeline[K, V]) Clear(hdr header.Header, encode EncodeFunc[K, V]) error {
	switch p.mode {
	case Buffered:
		p.bufCancel()
		<-p.bufLoopDone
	case ParallelBuffered:
		p.pcancel()
		p.inFlight.Wait()
		p.seqMu.Lock()
		p.parallelDone = true
		p.seqCond.Broadcast()
		p.seqMu.Unlock()
		<-p.fsWorkerDone
	}

	if err := p.eng.Clear(hdr); err != nil {
		return err
	}

	p.encode = encode

	switch p.mode {
	case Buffered:
		p.startBuffered()
	case ParallelBuffered:
		p.seqMu.Lock()
		p.sparse = make(map[uint64]*parallelEntry[K])
		p.expectedSeq = 1
		p.nextSeq = 0
		p.parallelDone = false
		p.seqMu.Unlock()
		p.startParallel()
	}

	return nil
}
