// Package sbherr — errors.go
//
// Closed tagged-sum error taxonomy for the SBH daemon core (spec §7).
//
// Every error the core returns wraps a Kind and structured context
// (path, mount id, underlying cause) rather than an opaque string, so
// callers can branch on Kind without parsing messages. Kinds map to
// the SBH-NNNN error code namespace used in logs and the state file's
// `counters.errors` surface:
//
//	1xxx  Config
//	2xxx  FilesystemStats, MountParse, SafetyVeto, Serialization, Sqlite
//	3xxx  Permission, Io, ChannelClosed, Runtime
//
// Policy (spec §7): SafetyVeto is never treated as an error by callers —
// the executor turns it into a DeleteVetoed event, never a failure. All
// other kinds are either absorbed locally (Transient) or propagated to
// the supervisor, which escalates to a circuit breaker or a fatal exit
// per the policy table in spec.md §7.

package sbherr

import "fmt"

// Kind is a closed tagged sum of error categories.
type Kind int

const (
	Config Kind = iota
	FilesystemStats
	MountParse
	SafetyVeto
	Serialization
	Sqlite
	Permission
	Io
	ChannelClosed
	Runtime
)

// code returns the SBH-NNNN code prefix for a Kind.
func (k Kind) code() string {
	switch k {
	case Config:
		return "SBH-1000"
	case FilesystemStats:
		return "SBH-2001"
	case MountParse:
		return "SBH-2002"
	case SafetyVeto:
		return "SBH-2003"
	case Serialization:
		return "SBH-2004"
	case Sqlite:
		return "SBH-2005"
	case Permission:
		return "SBH-3001"
	case Io:
		return "SBH-3002"
	case ChannelClosed:
		return "SBH-3003"
	case Runtime:
		return "SBH-3004"
	default:
		return "SBH-0000"
	}
}

func (k Kind) String() string {
	switch k {
	case Config:
		return "Config"
	case FilesystemStats:
		return "FilesystemStats"
	case MountParse:
		return "MountParse"
	case SafetyVeto:
		return "SafetyVeto"
	case Serialization:
		return "Serialization"
	case Sqlite:
		return "Sqlite"
	case Permission:
		return "Permission"
	case Io:
		return "Io"
	case ChannelClosed:
		return "ChannelClosed"
	case Runtime:
		return "Runtime"
	default:
		return "Unknown"
	}
}

// Error is the structured error type returned throughout the core.
type Error struct {
	Kind    Kind
	Path    string // relevant filesystem path, if any
	MountID string // relevant mount id, if any
	Message string
	Cause   error
}

func (e *Error) Error() string {
	base := fmt.Sprintf("%s [%s] %s", e.Kind.code(), e.Kind, e.Message)
	if e.Path != "" {
		base += fmt.Sprintf(" path=%q", e.Path)
	}
	if e.MountID != "" {
		base += fmt.Sprintf(" mount=%q", e.MountID)
	}
	if e.Cause != nil {
		base += fmt.Sprintf(": %v", e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the SBH-NNNN namespace code for this error.
func (e *Error) Code() string { return e.Kind.code() }

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithPath attaches a path to the error and returns it (for chaining).
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithMount attaches a mount id to the error and returns it (for chaining).
func (e *Error) WithMount(mountID string) *Error {
	e.MountID = mountID
	return e
}

// IsTransient reports whether repeated occurrences of this kind should be
// absorbed locally and counted rather than propagated as fatal, per the
// transient-error policy in spec.md §7.
func (k Kind) IsTransient() bool {
	switch k {
	case FilesystemStats, Sqlite, Io:
		return true
	default:
		return false
	}
}
