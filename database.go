package flashkv

import (
	"os"
	"sync"

	"github.com/flashkv/flashkv/ferr"
)

// Database multiplexes named collections rooted at one directory: a
// sync.Map for the already-open collections plus a sync.Map holding
// one mutex per collection name so two goroutines racing to open the same new
// collection don't both touch the file system.
type Database struct {
	baseDirectory string
	name          string

	mu     sync.Mutex
	closed bool

	collections sync.Map // map[string]any, value is *Collection[K, V]
	openLocks   sync.Map // map[string]*sync.Mutex
}

// OpenDatabase validates name and ensures its directory exists.
func OpenDatabase(baseDirectory, name string) (*Database, error) {
	if !validDatabaseName(name) {
		return nil, ferr.New(ferr.InvalidDatabaseName, name)
	}

	if err := os.MkdirAll(baseDirectory+string(os.PathSeparator)+name, 0o755); err != nil {
		return nil, ferr.Wrap(ferr.StorageFailure, "create database directory", err)
	}

	return &Database{baseDirectory: baseDirectory, name: name}, nil
}

// GetOrCreateCollection returns the already-open collection
// registered under collectionName, or opens and loads a new one using
// opts (with BaseDirectory/DatabaseName forced to this Database's own
// directory). Returns an InvalidDatabaseName error if collectionName
// is already registered under a different (K, V) instantiation.
func GetOrCreateCollection[K comparable, V any](db *Database, collectionName string, opts Options[K, V]) (*Collection[K, V], error) {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return nil, ferr.New(ferr.DatabaseClosed, collectionName)
	}

	if c, ok, err := loadTypedCollection[K, V](db, collectionName); ok || err != nil {
		return c, err
	}

	lockAny, _ := db.openLocks.LoadOrStore(collectionName, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if c, ok, err := loadTypedCollection[K, V](db, collectionName); ok || err != nil {
		return c, err
	}

	opts.BaseDirectory = db.baseDirectory
	opts.DatabaseName = db.name

	c, err := Open[K, V](collectionName, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Load(); err != nil {
		c.Close()
		return nil, err
	}

	db.collections.Store(collectionName, c)
	return c, nil
}

// loadTypedCollection reports whether collectionName is already
// registered: ok is true (with c non-nil, err nil) on a type match,
// ok is true (with c nil, err non-nil) on a type mismatch, and ok is
// false if nothing is registered under that name yet.
func loadTypedCollection[K comparable, V any](db *Database, collectionName string) (*Collection[K, V], bool, error) {
	val, found := db.collections.Load(collectionName)
	if !found {
		return nil, false, nil
	}

	c, ok := val.(*Collection[K, V])
	if !ok {
		return nil, true, ferr.New(ferr.InvalidDatabaseName, "collection "+collectionName+" already open with a different key/value type")
	}
	return c, true, nil
}

// Close closes every open collection and marks the database closed.
// Safe to call once; later calls are no-ops.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	db.collections.Range(func(_, val any) bool {
		if closer, ok := val.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return true
	})

	return firstErr
}
