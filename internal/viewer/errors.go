package viewer

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("viewer: page decode failed")
	// ErrDocumentOpen matches every *OpenError.
	ErrDocumentOpen = errors.New("viewer: document open failed")
	// ErrNotReady is returned by navigation intents while no document is ready.
	ErrNotReady = errors.New("viewer: no document ready")
	// ErrSuperseded is returned to a caller whose load was overtaken by a later intent.
	ErrSuperseded = errors.New("viewer: superseded by a later navigation")
	// ErrInvalidLookahead is returned for lookahead values outside [0, MaxLookahead].
	ErrInvalidLookahead = errors.New("viewer: lookahead out of range")
	// ErrEmptyDocument is the cause of an OpenError for archives without pages.
	ErrEmptyDocument = errors.New("viewer: document has no pages")
)

// DecodeError reports a failed foreground load of the displayed page.
type DecodeError struct {
	Document string
	Index    int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("viewer: decode %s page %d: %v", e.Document, e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// OpenError reports a document that could not be opened.
type OpenError struct {
	Document string
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("viewer: open %s: %v", e.Document, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrDocumentOpen }
