package persist

import (
	"errors"
)

var (
	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")
	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")
)

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header  string
	Version string
}
