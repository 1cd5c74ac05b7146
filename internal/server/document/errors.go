package document

import "errors"

// Protocol errors, always scoped to a single submission. None of them ever
// affects the document session or other participants.
var (
	// ErrEmptyBatch indicates a submission with no effective operations
	ErrEmptyBatch = errors.New("operation batch is empty")

	// ErrBaseVersionTooOld indicates a base version older than the truncated
	// history horizon; the client must rebuild from a snapshot instead
	ErrBaseVersionTooOld = errors.New("base version precedes truncated history")

	// ErrBaseVersionAhead indicates a base version newer than the document;
	// the client claims to have seen operations the server never committed
	ErrBaseVersionAhead = errors.New("base version is ahead of document version")
)
