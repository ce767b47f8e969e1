// Package errs holds the failure taxonomy shared by every kernel.
//
// Callers match with errors.Is against the sentinels; the helpers attach
// context with github.com/pkg/errors so the sentinel survives wrapping.
package errs

import "github.com/pkg/errors"

var (
	// ErrUnsupportedDtype means no kernel exists for the operand dtype/layout combination.
	ErrUnsupportedDtype = errors.New("unsupported dtype")
	// ErrInvalidShape covers dimension mismatches, undersized buffers and
	// lane-width multiples required by a fast path.
	ErrInvalidShape = errors.New("invalid shape")
	// ErrInvalidQuantParams means a scale or shift cannot be represented.
	ErrInvalidQuantParams = errors.New("invalid quantization parameters")
	// ErrConfigurationFallback marks a fast path that was rejected in favour of
	// a general kernel. It is recovered inside operator init and never
	// returned from Exec.
	ErrConfigurationFallback = errors.New("configuration fallback")
)

func Shape(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidShape, format, args...)
}

func Dtype(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedDtype, format, args...)
}

func Quant(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidQuantParams, format, args...)
}

// Fallback describes why a requested variant could not be bound.
type Fallback struct {
	Variant string
	Reason  string
}

func (f *Fallback) Error() string {
	return f.Variant + ": " + f.Reason
}

func (f *Fallback) Unwrap() error {
	return ErrConfigurationFallback
}

func NewFallback(variant, format string, args ...any) error {
	return &Fallback{Variant: variant, Reason: errors.Errorf(format, args...).Error()}
}

// AsFallback extracts a Fallback from err, if any.
func AsFallback(err error) (*Fallback, bool) {
	var f *Fallback
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
