package errors

import (
	"fmt"

	crdberrors "github.com/cockroachdb/errors"
)

// OverflowKind identifies the per-unit resource that ran out.
type OverflowKind int

const (
	OverflowTemps OverflowKind = iota
	OverflowCode
	OverflowFrame
	OverflowReloc
	OverflowInsnTable
)

func (k OverflowKind) String() string {
	switch k {
	case OverflowTemps:
		return "temps"
	case OverflowCode:
		return "code"
	case OverflowFrame:
		return "frame"
	case OverflowReloc:
		return "reloc"
	case OverflowInsnTable:
		return "insn-table"
	}
	return fmt.Sprintf("overflow(%d)", int(k))
}

// OverflowError aborts the current compilation unit. It is recoverable: the
// driver retries with a fresh region or a smaller instruction budget.
type OverflowError struct {
	Kind    OverflowKind
	Message string
}

func (e *OverflowError) Error() string {
	if e.Message == "" {
		return e.Kind.String() + " overflow"
	}
	return fmt.Sprintf("%s overflow: %s", e.Kind, e.Message)
}

// IsOverflow checks if an error is a recoverable overflow
func IsOverflow(err error) bool {
	var oe *OverflowError
	return crdberrors.As(err, &oe)
}

// OverflowKindOf returns the kind of the first overflow in err's chain.
func OverflowKindOf(err error) (OverflowKind, bool) {
	var oe *OverflowError
	if crdberrors.As(err, &oe) {
		return oe.Kind, true
	}
	return 0, false
}

// Overflowf creates a new overflow error with formatted message
func Overflowf(kind OverflowKind, format string, args ...interface{}) error {
	return crdberrors.WithStack(&OverflowError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

var (
	// ErrNoRegion is returned by the region manager when every region is claimed.
	ErrNoRegion = crdberrors.New("no code region left to claim")
	// ErrArenaFull tells the driver that the arena must be flushed before retrying.
	ErrArenaFull = crdberrors.New("code arena exhausted")
)

// Assert panics with an assertion failure when cond does not hold. Contract
// violations are programming errors and are never returned as values.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(crdberrors.AssertionFailedWithDepthf(1, format, args...))
	}
}

// AssertionFailedf creates an assertion failure suitable for panic.
func AssertionFailedf(format string, args ...interface{}) error {
	return crdberrors.AssertionFailedWithDepthf(1, format, args...)
}

// IsAssertionFailure reports whether err carries an assertion failure.
func IsAssertionFailure(err error) bool {
	return crdberrors.HasAssertionFailure(err)
}

func New(msg string) error {
	return crdberrors.New(msg)
}

func Newf(format string, args ...interface{}) error {
	return crdberrors.Newf(format, args...)
}

func Wrap(err error, msg string) error {
	return crdberrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return crdberrors.Wrapf(err, format, args...)
}

func Is(err, reference error) bool {
	return crdberrors.Is(err, reference)
}

func As(err error, target interface{}) bool {
	return crdberrors.As(err, target)
}
