package vfs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies filesystem errors independently of the platform.
type Kind int

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindNotADirectory
	KindNotAFile
	KindAlreadyExists
	KindBadDescriptor
	KindIO
	KindPermissionDenied
	KindInvalidPath
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindNotADirectory:
		return "not a directory"
	case KindNotAFile:
		return "not a file"
	case KindAlreadyExists:
		return "already exists"
	case KindBadDescriptor:
		return "bad descriptor"
	case KindIO:
		return "i/o error"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidPath:
		return "invalid path"
	case KindTooLarge:
		return "file too large"
	default:
		return "unexpected error"
	}
}

// Error is a domain error returned by Session operations.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Op != "" && e.Path != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNotADirectory    = &Error{Kind: KindNotADirectory}
	ErrNotAFile         = &Error{Kind: KindNotAFile}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrBadDescriptor    = &Error{Kind: KindBadDescriptor}
	ErrIO               = &Error{Kind: KindIO}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrInvalidPath      = &Error{Kind: KindInvalidPath}
	ErrTooLarge         = &Error{Kind: KindTooLarge}
)

// KindOf returns the kind of a domain error, or KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

func newError(kind Kind, op, path, msg string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: msg}
}

func wrapError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
