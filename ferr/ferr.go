// Package ferr defines the error taxonomy shared by every flashkv
// package: a closed set of Kind values and an Error type that wraps an
// underlying cause while carrying its Kind for errors.Is/As-based
// dispatch by the options-selected propagation policy (Raise vs
// return-false).
package ferr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy's boundary classes.
type Kind int

const (
	DuplicateKey Kind = iota
	KeyNotFound
	CollectionClosed
	CollectionReadOnly
	CollectionAlreadyOpen
	NotLoaded
	DatabaseClosed
	DatabaseReadOnly
	InvalidDatabaseName
	SerializationFailure
	DeserializationFailure
	StorageFailure
	DecryptionFailure
	EncryptionConfigMissing
)

func (k Kind) String() string {
	switch k {
	case DuplicateKey:
		return "DuplicateKey"
	case KeyNotFound:
		return "KeyNotFound"
	case CollectionClosed:
		return "CollectionClosed"
	case CollectionReadOnly:
		return "CollectionReadOnly"
	case CollectionAlreadyOpen:
		return "CollectionAlreadyOpen"
	case NotLoaded:
		return "NotLoaded"
	case DatabaseClosed:
		return "DatabaseClosed"
	case DatabaseReadOnly:
		return "DatabaseReadOnly"
	case InvalidDatabaseName:
		return "InvalidDatabaseName"
	case SerializationFailure:
		return "SerializationFailure"
	case DeserializationFailure:
		return "DeserializationFailure"
	case StorageFailure:
		return "StorageFailure"
	case DecryptionFailure:
		return "DecryptionFailure"
	case EncryptionConfigMissing:
		return "EncryptionConfigMissing"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type surfaced by flashkv, carrying a
// Kind for dispatch plus the wrapped underlying cause (which may be
// nil for pure lifecycle errors like CollectionClosed).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flashkv: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("flashkv: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a Kind-tagged error around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
