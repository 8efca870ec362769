package flashkv

import (
	"sync"
	"testing"

	"github.com/flashkv/flashkv/codec"
	"github.com/flashkv/flashkv/ferr"
	"github.com/flashkv/flashkv/pipeline"
)

type person struct {
	Name string
	Age  int
}

func openTestCollection(t *testing.T, opts ...Option[int, person]) *Collection[int, person] {
	t.Helper()
	o := NewOptions(append([]Option[int, person]{
		WithBaseDirectory[int, person](t.TempDir()),
		WithDatabaseName[int, person]("testdb"),
	}, opts...)...)

	c, err := Open[int, person](t.Name(), o)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAddThenTryGet(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	ok, err := c.Add(1, person{Name: "Ada", Age: 30})
	if err != nil || !ok {
		t.Fatalf("add failed: ok=%v err=%v", ok, err)
	}

	v, found, err := c.TryGet(1)
	if err != nil || !found {
		t.Fatalf("tryGet failed: found=%v err=%v", found, err)
	}
	if v.Name != "Ada" {
		t.Fatalf("unexpected value: %+v", v)
	}
}

func TestAddDuplicateFailsByDefault(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	if _, err := c.Add(1, person{Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	_, err := c.Add(1, person{Name: "Grace"})
	if !ferr.Is(err, ferr.DuplicateKey) {
		t.Fatalf("expected DuplicateKey, got %v", err)
	}
}

func TestAddDuplicateReturnFalse(t *testing.T) {
	c := openTestCollection(t, WithAddDuplicateKeyBehavior[int, person](ReturnFalse))
	defer c.Close()

	if _, err := c.Add(5, person{Name: "v1"}); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Add(5, person{Name: "v2"})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	v, _, _ := c.TryGet(5)
	if v.Name != "v1" {
		t.Fatalf("expected original value to survive, got %+v", v)
	}
}

func TestAddDuplicateUpsert(t *testing.T) {
	c := openTestCollection(t, WithAddDuplicateKeyBehavior[int, person](Upsert))
	defer c.Close()

	if _, err := c.Add(5, person{Name: "v1"}); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Add(5, person{Name: "v3"})
	if err != nil || !ok {
		t.Fatalf("expected upsert to succeed, got (%v, %v)", ok, err)
	}
	v, _, _ := c.TryGet(5)
	if v.Name != "v3" {
		t.Fatalf("expected upserted value, got %+v", v)
	}
}

func TestUpdateMissingKeyFails(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	_, err := c.Update(9, person{Name: "ghost"})
	if !ferr.Is(err, ferr.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestAddOrUpdateAlwaysSucceeds(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	if err := c.AddOrUpdate(1, person{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddOrUpdate(1, person{Name: "b"}); err != nil {
		t.Fatal(err)
	}
	v, _, _ := c.TryGet(1)
	if v.Name != "b" {
		t.Fatalf("expected second write to win, got %+v", v)
	}
}

func TestRemoveReturnsOldValue(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	c.Add(1, person{Name: "Ada"})
	v, ok, err := c.Remove(1)
	if err != nil || !ok || v.Name != "Ada" {
		t.Fatalf("unexpected remove result: v=%+v ok=%v err=%v", v, ok, err)
	}

	if _, found, _ := c.TryGet(1); found {
		t.Fatal("expected key gone after remove")
	}
}

func TestBulkAddPartitionsNewAndDuplicate(t *testing.T) {
	c := openTestCollection(t, WithBulkAddDuplicateKeyBehavior[int, person](Upsert))
	defer c.Close()

	c.Add(1, person{Name: "old"})

	ok, err := c.BulkAdd(map[int]person{
		1: {Name: "updated"},
		2: {Name: "new"},
	})
	if err != nil || !ok {
		t.Fatalf("bulk add failed: ok=%v err=%v", ok, err)
	}

	v1, _, _ := c.TryGet(1)
	v2, _, _ := c.TryGet(2)
	if v1.Name != "updated" || v2.Name != "new" {
		t.Fatalf("unexpected values: v1=%+v v2=%+v", v1, v2)
	}
}

func TestBulkAddFailsOnDuplicateByDefault(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	c.Add(1, person{Name: "old"})
	_, err := c.BulkAdd(map[int]person{1: {Name: "x"}, 2: {Name: "y"}})
	if !ferr.Is(err, ferr.DuplicateKey) {
		t.Fatalf("expected DuplicateKey, got %v", err)
	}
	if _, found, _ := c.TryGet(2); found {
		t.Fatal("expected bulk add to abort before any state change")
	}
}

func TestBulkRemoveIsBestEffort(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	c.Add(1, person{Name: "a"})
	c.Add(2, person{Name: "b"})

	removed, err := c.BulkRemove([]int{1, 2, 99})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
}

func TestNotLoadedRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	o := NewOptions(
		WithBaseDirectory[int, person](dir),
		WithDatabaseName[int, person]("testdb"),
	)
	c, err := Open[int, person](t.Name(), o)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Add(1, person{Name: "x"})
	if !ferr.Is(err, ferr.NotLoaded) {
		t.Fatalf("expected NotLoaded, got %v", err)
	}
}

func TestDoubleLoadFails(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	if err := c.Load(); !ferr.Is(err, ferr.CollectionAlreadyOpen) {
		t.Fatalf("expected CollectionAlreadyOpen, got %v", err)
	}
}

func TestClosePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	newOpts := func() Options[int, person] {
		return NewOptions(
			WithBaseDirectory[int, person](dir),
			WithDatabaseName[int, person]("testdb"),
		)
	}

	c, err := Open[int, person]("people", newOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	c.Add(7, person{Name: "Grace", Age: 40})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open[int, person]("people", newOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	v, found, err := c2.TryGet(7)
	if err != nil || !found || v.Name != "Grace" {
		t.Fatalf("expected persisted value, got v=%+v found=%v err=%v", v, found, err)
	}
}

func TestEncryptionRoundTripAndWrongPassword(t *testing.T) {
	dir := t.TempDir()
	newOpts := func(password string) Options[int, person] {
		return NewOptions(
			WithBaseDirectory[int, person](dir),
			WithDatabaseName[int, person]("testdb"),
			WithEncryption[int, person](password, codec.SHA256),
		)
	}

	c, err := Open[int, person]("secrets", newOpts("open-sesame"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	c.Add(7, person{Name: "X"})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open[int, person]("secrets", newOpts("wrong-password")); !ferr.Is(err, ferr.DecryptionFailure) {
		t.Fatalf("expected DecryptionFailure for wrong password, got %v", err)
	}

	c2, err := Open[int, person]("secrets", newOpts("open-sesame"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	v, found, err := c2.TryGet(7)
	if err != nil || !found || v.Name != "X" {
		t.Fatalf("expected decrypted value, got v=%+v found=%v err=%v", v, found, err)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	base := NewOptions(
		WithBaseDirectory[int, person](dir),
		WithDatabaseName[int, person]("testdb"),
	)
	c, err := Open[int, person]("ro", base)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	c.Close()

	ro := NewOptions(
		WithBaseDirectory[int, person](dir),
		WithDatabaseName[int, person]("testdb"),
		WithReadOnly[int, person](),
	)
	c2, err := Open[int, person]("ro", ro)
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if _, err := c2.Add(1, person{Name: "nope"}); !ferr.Is(err, ferr.CollectionReadOnly) {
		t.Fatalf("expected CollectionReadOnly, got %v", err)
	}
}

func TestMemoryOnlyNeverTouchesDisk(t *testing.T) {
	o := NewOptions(
		WithDatabaseName[int, person]("ignored"),
		WithMemoryOnly[int, person](),
	)
	c, err := Open[int, person]("mem", o)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Add(1, person{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	size, err := c.SizeBytes()
	if err != nil || size != 0 {
		t.Fatalf("expected size 0 for memory-only, got %d err=%v", size, err)
	}
}

// TestParallelBufferedOrderingAndCount has 4 goroutines each add a
// disjoint range of keys concurrently, flushes, reopens, and checks
// that every record survived the round trip.
func TestParallelBufferedOrderingAndCount(t *testing.T) {
	dir := t.TempDir()
	newOpts := func() Options[int, person] {
		return NewOptions(
			WithBaseDirectory[int, person](dir),
			WithDatabaseName[int, person]("testdb"),
			WithBufferMode[int, person](pipeline.ParallelBuffered),
			WithMaxDegreeOfParallelism[int, person](8),
		)
	}

	c, err := Open[int, person]("bulk", newOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}

	const perGoroutine = 2500
	const goroutines = 4
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := base*perGoroutine + i
				if _, err := c.Add(key, person{Name: "p", Age: key}); err != nil {
					t.Error(err)
				}
			}
		}(g)
	}
	wg.Wait()

	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open[int, person]("bulk", newOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Load(); err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	count, err := c2.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != perGoroutine*goroutines {
		t.Fatalf("expected %d keys, got %d", perGoroutine*goroutines, count)
	}
}

func TestClearEmptiesMapAndFile(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	c.Add(1, person{Name: "a"})
	c.Add(2, person{Name: "b"})

	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}

	count, err := c.Count()
	if err != nil || count != 0 {
		t.Fatalf("expected empty collection after clear, count=%d err=%v", count, err)
	}

	if _, err := c.Add(3, person{Name: "c"}); err != nil {
		t.Fatalf("expected collection usable after clear: %v", err)
	}
}

func TestIterateYieldsAllPairs(t *testing.T) {
	c := openTestCollection(t)
	defer c.Close()

	c.Add(1, person{Name: "a"})
	c.Add(2, person{Name: "b"})

	seq, err := c.Iterate()
	if err != nil {
		t.Fatal(err)
	}

	seen := map[int]string{}
	for r := range seq {
		seen[r.Key] = r.Value.Name
	}
	if len(seen) != 2 || seen[1] != "a" || seen[2] != "b" {
		t.Fatalf("unexpected iteration result: %v", seen)
	}
}
