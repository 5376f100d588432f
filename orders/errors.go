package orders

import "errors"

// ErrNotFound indicates an unknown order or principal.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a lost conditional transition: another actor already
// moved the order's status.
var ErrConflict = errors.New("conflict")

// ErrPreconditionFailed indicates a failed guard that does not consume the
// transition (capacity exceeded, wrong actor, wrong current status).
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrInvalidCode indicates a cancellation or completion confirmation code
// mismatch, including replay of an already consumed code.
var ErrInvalidCode = errors.New("invalid confirmation code")
