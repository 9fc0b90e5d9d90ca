// Package clock supplies the injected timestamp source directory entries
// are stamped with.
package clock

// Stamp is a FAT-resolution timestamp: Month is 0-11 and Day is 0-30,
// matching the injected clock contract rather than time.Time's 1-based
// fields, so callers can pass it straight into the directory entry codec
// without an off-by-one translation.
type Stamp struct {
	Year         int
	Month        int
	Day          int
	Hour         int
	Minute       int
	Second       int
	Centisecond  int
}

// Clock is the capability FAT mounts use to stamp directory entries on
// create, write, and access. Hosts without a real-time clock can supply the
// Default implementation below.
type Clock interface {
	Now() Stamp
}

// Default always reports the FAT epoch, 1980-01-01T00:00:00.00. It is the
// clock used when a caller doesn't supply one.
type Default struct{}

func (Default) Now() Stamp {
	return Stamp{Year: 1980}
}
