package domain

import "errors"

type ErrorKind string

const (
	KindProtocolParse        ErrorKind = "PROTOCOL_PARSE"
	KindPathResolution       ErrorKind = "PATH_RESOLUTION"
	KindNetworkTransient     ErrorKind = "NETWORK_TRANSIENT"
	KindConfigurationFatal   ErrorKind = "CONFIGURATION_FATAL"
	KindComponentUnavailable ErrorKind = "COMPONENT_UNAVAILABLE"
)

// Error tags a failure with the taxonomy used to decide how far it may
// propagate. Only KindConfigurationFatal is allowed to stop the process.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in err's chain is a *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var target *Error
	if !errors.As(err, &target) {
		return false
	}
	return target.Kind == kind
}

// ErrNotFound is wrapped by path resolution failures.
var ErrNotFound = errors.New("object not found")
