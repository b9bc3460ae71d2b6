package order

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage error")
	ErrSlicingService    = errors.New("slicing service error")
	ErrAuthorization     = errors.New("not authorized")

	// ErrStatusConflict is returned by repositories when the stored status no
	// longer matches the status a write expected.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
