package api

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/errs"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(format string, args ...any) error {
	return invalidRequestError{msg: errors.Errorf(format, args...).Error()}
}

// classify maps the kernel error taxonomy onto an HTTP status and error type.
// Malformed bodies are 400; well-formed requests the kernels reject are 422.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errs.ErrInvalidShape):
		return http.StatusUnprocessableEntity, "invalid_shape"
	case errors.Is(err, errs.ErrUnsupportedDtype):
		return http.StatusUnprocessableEntity, "unsupported_dtype"
	case errors.Is(err, errs.ErrInvalidQuantParams):
		return http.StatusUnprocessableEntity, "invalid_quant_params"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
