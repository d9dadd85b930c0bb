// Package apierr defines the small set of typed errors the HTTP boundary
// inspects to pick a status code, keeping error
// construction close to each call site rather than a central hierarchy.
package apierr

import "fmt"

// Kind distinguishes the handful of error dispositions the HTTP layer maps to status codes.
type Kind string

const (
	KindValidation Kind = "validation" // bad JSON, missing field -> 400
	KindInvariant  Kind = "invariant"  // T1/T2 violated post-normalization -> 500
	KindUpstream   Kind = "upstream"   // unrecoverable upstream failure
	KindNormalize  Kind = "normalize"  // unpairable tool blocks -> 422
)

// Error is a typed error carrying the disposition kind alongside the cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string, err error) error { return &Error{Kind: KindValidation, Msg: msg, Err: err} }
func Invariant(msg string, err error) error  { return &Error{Kind: KindInvariant, Msg: msg, Err: err} }
func Upstream(msg string, err error) error   { return &Error{Kind: KindUpstream, Msg: msg, Err: err} }
func Normalize(msg string, err error) error  { return &Error{Kind: KindNormalize, Msg: msg, Err: err} }

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error, along with whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
