package codesign

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindCertificate
	KindProfile
	KindBundle
	KindBinary
	KindSigning
	KindPackaging
	KindExternalTool
)

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "CertificateError"
	case KindProfile:
		return "ProfileError"
	case KindBundle:
		return "BundleError"
	case KindBinary:
		return "BinaryError"
	case KindSigning:
		return "SigningError"
	case KindPackaging:
		return "PackagingError"
	case KindExternalTool:
		return "ExternalToolError"
	default:
		return "UnknownError"
	}
}

// MarshalText lets a Kind appear by name in YAML and JSON job results.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Stage names the step of the signature builder that failed.
type Stage string

const (
	StageParse    Stage = "parse"
	StageHash     Stage = "hash"
	StageAssemble Stage = "assemble"
	StageCMS      Stage = "cms"
	StageAttach   Stage = "attach"
	StageWrite    Stage = "write"
)

// Error is the single error type returned by every engine component.
type Error struct {
	Kind   Kind
	Stage  Stage
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " [" + string(e.Stage) + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, and by stage when the sentinel names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Stage == "" || t.Stage == e.Stage
}

// Sentinels for errors.Is.
var (
	ErrCertificate  = &Error{Kind: KindCertificate}
	ErrProfile      = &Error{Kind: KindProfile}
	ErrBundle       = &Error{Kind: KindBundle}
	ErrBinary       = &Error{Kind: KindBinary}
	ErrSigning      = &Error{Kind: KindSigning}
	ErrPackaging    = &Error{Kind: KindPackaging}
	ErrExternalTool = &Error{Kind: KindExternalTool}
)

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// NewError builds an *Error for components outside this package.
func NewError(kind Kind, err error, format string, args ...interface{}) *Error {
	return newError(kind, err, format, args...)
}

func signingError(stage Stage, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSigning, Stage: stage, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DetailOf returns a human readable description of err without the kind prefix.
func DetailOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	msg := e.Detail
	if e.Stage != "" {
		msg = string(e.Stage) + ": " + msg
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}
