package tardisgo

import "tardisgo/internal/errs"

// Kind classifies a terminal error returned by Client.Replay or its
// resulting Stream.
type Kind = errs.Kind

// Error is the concrete error type surfaced by this package; use
// errors.As to recover one and inspect its Kind.
type Error = errs.Error

// Error kind constants, re-exported from the internal classification so
// callers never need to import an internal package.
const (
	InvalidArgument = errs.KindInvalidArgument
	Unauthorized    = errs.KindUnauthorized
	NotFound        = errs.KindNotFound
	BadRequest      = errs.KindBadRequest
	Unavailable     = errs.KindUnavailable
	CorruptCache    = errs.KindCorruptCache
	IO              = errs.KindIO
)
