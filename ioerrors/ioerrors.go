// Package ioerrors defines the error taxonomy shared by every layer of the
// gofat stack, from the sector cache up through the volume manager.
package ioerrors

import "fmt"

// DiskoError is a sentinel error kind. Callers compare against these with
// errors.Is rather than matching strings.
type DiskoError string

func (e DiskoError) Error() string {
	return string(e)
}

// Recoverable error kinds -- the caller may retry the operation or try
// something else.
const (
	ErrDiskFull           DiskoError = "disk full"
	ErrFileNotFound       DiskoError = "file not found"
	ErrFileOrDirExists    DiskoError = "file or directory already exists"
	ErrFileOpen           DiskoError = "file already open"
	ErrAlreadyClosed      DiskoError = "file already closed"
	ErrInvalidFilePos     DiskoError = "invalid file position"
	ErrCannotOpen         DiskoError = "cannot open file"
	ErrCannotWriteFile    DiskoError = "cannot write file"
	ErrOutOfFileHandles   DiskoError = "out of file handles"
	ErrIllegalFilename    DiskoError = "illegal filename"
	ErrWrongAttributes    DiskoError = "wrong attributes for operation"
	ErrNotADirectory      DiskoError = "not a directory"
	ErrDirectoryNotEmpty  DiskoError = "directory not empty"
	ErrNotImplemented     DiskoError = "not implemented"
	ErrInvalidArgument    DiskoError = "invalid argument"
	ErrNotSupported       DiskoError = "not supported"
)

// Fatal error kinds -- once raised, the mount is expected to refuse further
// mutating operations until remounted.
const (
	ErrCorruptFat            DiskoError = "corrupt FAT"
	ErrInvalidCluster        DiskoError = "invalid cluster reference"
	ErrUnsupportedSectorSize DiskoError = "unsupported sector size"
	ErrUnknownPartitionType  DiskoError = "unknown partition type"
)

// HAL-propagated error kinds -- surfaced verbatim from the block device.
const (
	ErrCannotReadSector  DiskoError = "cannot read sector"
	ErrCannotWriteSector DiskoError = "cannot write sector"
)

// fatalKinds lists the DiskoError values that mark a mount as poisoned.
var fatalKinds = map[DiskoError]bool{
	ErrCorruptFat:            true,
	ErrInvalidCluster:        true,
	ErrUnsupportedSectorSize: true,
	ErrUnknownPartitionType:  true,
}

// IsFatal reports whether err (or something it wraps) is one of the
// structural error kinds that poisons a mount.
func IsFatal(err error) bool {
	var kind DiskoError
	if !AsDiskoError(err, &kind) {
		return false
	}
	return fatalKinds[kind]
}

// Error wraps a DiskoError sentinel with an optional formatted message and
// an optional underlying cause, mirroring the driver repo's
// NewDriverErrorWithMessage / WrapError split.
type Error struct {
	Kind    DiskoError
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Kind
}

func (e *Error) Is(target error) bool {
	kind, ok := target.(DiskoError)
	return ok && kind == e.Kind
}

// New returns a bare Error for kind.
func New(kind DiskoError) error {
	return &Error{Kind: kind}
}

// WithMessage returns an Error carrying kind and a formatted message.
func WithMessage(kind DiskoError, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error carrying kind and cause.
func Wrap(kind DiskoError, cause error) error {
	return &Error{Kind: kind, Cause: cause}
}

// AsDiskoError extracts the DiskoError kind from err, whether it is a bare
// DiskoError or an *Error wrapping one. It reports whether extraction
// succeeded.
func AsDiskoError(err error, out *DiskoError) bool {
	for err != nil {
		if kind, ok := err.(DiskoError); ok {
			*out = kind
			return true
		}
		if e, ok := err.(*Error); ok {
			*out = e.Kind
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
