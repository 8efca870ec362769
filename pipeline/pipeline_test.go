package pipeline

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flashkv/flashkv/engine"
	"github.com/flashkv/flashkv/header"
)

func newTestEngine(t *testing.T) *engine.Engine[int] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.flashkv")
	hdr := header.New(header.BinaryContractless, false, false, [16]byte{}, [16]byte{})
	e, err := engine.Create[int](engine.Config{Path: path}, hdr)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func encodeInt(_ int, v int) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf, nil
}

func decodeInt(payload []byte) (int, error) {
	if len(payload) != 8 {
		return 0, errors.New("bad payload length")
	}
	return int(binary.LittleEndian.Uint64(payload)), nil
}

func TestDisabledModeAppliesSynchronously(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{Mode: Disabled, Engine: e, Encode: encodeInt})

	if err := p.Submit(OpAdd, 1, 42); err != nil {
		t.Fatal(err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected synchronous apply, count=%d", e.Count())
	}
}

func TestBufferedModeAppliesAllSubmissionsByFlush(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{Mode: Buffered, Engine: e, Encode: encodeInt})
	defer p.Close()

	const n = 200
	for i := 0; i < n; i++ {
		if err := p.Submit(OpAdd, i, i*2); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if e.Count() != n {
		t.Fatalf("expected %d keys applied after flush, got %d", n, e.Count())
	}
}

func TestBufferedCloseDrainsFully(t *testing.T) {
	e := newTestEngine(t)

	p := New(Options[int, int]{Mode: Buffered, Engine: e, Encode: encodeInt})

	for i := 0; i < 50; i++ {
		if err := p.Submit(OpAdd, i, i); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if e.Count() != 50 {
		t.Fatalf("expected all 50 submissions drained by close, got %d", e.Count())
	}
	e.Close()
}

// TestParallelAppliesAllConcurrentSubmissions checks that interleaved
// submissions from many goroutines are all applied to the engine by
// the time Flush returns. It does not check the application order.
func TestParallelAppliesAllConcurrentSubmissions(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{
		Mode:                   ParallelBuffered,
		Engine:                 e,
		Encode:                 encodeInt,
		MaxDegreeOfParallelism: 4,
	})
	defer p.Close()

	const n = 500
	var wg sync.WaitGroup
	// Every submission uses a distinct key 0..n-1, so each applied add
	// counts once in e.Count(). order records the order in which the
	// Submit calls returned; it is not asserted on.
	order := make([]int, n)
	var mu sync.Mutex
	next := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			if err := p.Submit(OpAdd, key, key); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order[key] = next
			next++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if e.Count() != n {
		t.Fatalf("expected %d keys applied, got %d", n, e.Count())
	}
}

func TestParallelFlushWaitsForInFlight(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{Mode: ParallelBuffered, Engine: e, Encode: encodeInt})
	defer p.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		if err := p.Submit(OpAdd, i, i); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if e.Count() != n {
		t.Fatalf("expected all %d ops applied after flush, got %d", n, e.Count())
	}
}

func TestClearResetsPipelineAndEngine(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{Mode: ParallelBuffered, Engine: e, Encode: encodeInt})
	defer p.Close()

	for i := 0; i < 20; i++ {
		if err := p.Submit(OpAdd, i, i); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	hdr := header.New(header.BinaryContractless, false, false, [16]byte{}, [16]byte{})
	if err := p.Clear(hdr, encodeInt); err != nil {
		t.Fatal(err)
	}

	if e.Count() != 0 {
		t.Fatalf("expected engine cleared, count=%d", e.Count())
	}

	// Pipeline must still accept submissions after Clear restarts it.
	if err := p.Submit(OpAdd, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected pipeline usable after clear, count=%d", e.Count())
	}
}

func TestRemoveThroughPipeline(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	p := New(Options[int, int]{Mode: Buffered, Engine: e, Encode: encodeInt})
	defer p.Close()

	if err := p.Submit(OpAdd, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(OpRemove, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if e.Count() != 0 {
		t.Fatalf("expected key removed through pipeline, count=%d", e.Count())
	}
}
