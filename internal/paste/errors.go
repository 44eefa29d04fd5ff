package paste

import "github.com/pkg/errors"

// Kind classifies service failures for callers deciding how to respond.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindStorage
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyPaste   = errors.New("paste is empty")
	ErrTooLarge     = errors.New("upload exceeds size limit")
	ErrNegativeHold = errors.New("hold duration must not be negative")
	ErrHoldTooLong  = errors.New("hold duration exceeds the maximum")
	ErrNotFound     = errors.New("paste does not exist")
)

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
