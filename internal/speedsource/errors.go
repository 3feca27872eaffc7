package speedsource

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a source failure.
type ErrorKind string

const (
	KindStoreUnavailable  ErrorKind = "store_unavailable"
	KindStoreQueryError   ErrorKind = "store_query_error"
	KindStreamDecodeError ErrorKind = "stream_decode_error"
	KindNetworkFailure    ErrorKind = "network_failure"
	KindBadResponse       ErrorKind = "bad_response"
)

// Sentinel errors matched with errors.Is against any *SourceError of the same kind.
var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrStoreQuery        = errors.New("store query failed")
	ErrStreamDecode      = errors.New("stream decode failed")
	ErrNetworkFailure    = errors.New("network failure")
	ErrBadResponse       = errors.New("bad response")
	ErrSourceUnsupported = errors.New("unsupported source")
)

var sentinelByKind = map[ErrorKind]error{
	KindStoreUnavailable:  ErrStoreUnavailable,
	KindStoreQueryError:   ErrStoreQuery,
	KindStreamDecodeError: ErrStreamDecode,
	KindNetworkFailure:    ErrNetworkFailure,
	KindBadResponse:       ErrBadResponse,
}

// SourceError is returned by every source for I/O and data failures.
type SourceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStoreUnavailable) match by kind.
func (e *SourceError) Is(target error) bool {
	return sentinelByKind[e.Kind] == target
}

func newSourceError(kind ErrorKind, op string, err error) *SourceError {
	return &SourceError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *SourceError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Classify returns the reason recorded on an unavailable outcome: the
// source error kind, or "internal_error" for anything else.
func Classify(err error) string {
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	if errors.Is(err, ErrSourceUnsupported) {
		return "unsupported_source"
	}
	return "internal_error"
}
