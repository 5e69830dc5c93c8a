// Package errors maps application errors onto HTTP responses using the
// gofulmen error envelope.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/observability"
)

// Error codes used in HTTP responses.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON document written for every error.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError reports a malformed request.
func NewValidationError(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: message, Details: details}
}

// NewNotFoundError reports a missing route or resource.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewMethodNotAllowedError reports a route hit with the wrong method.
func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: message}
}

// NewServiceUnavailableError reports the service cannot take requests.
func NewServiceUnavailableError(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Details: details}
}

// NewExternalServiceError reports an upstream dependency failure.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapInternal wraps err as an internal error and logs it with the request
// id carried by ctx.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	observability.ServerLogger.Error(message,
		zap.String("request_id", observability.RequestID(ctx)),
		zap.Error(err),
	)
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// Envelope builds the gofulmen envelope for err. Non-AppError values become
// INTERNAL_ERROR and their message is not exposed.
func Envelope(ctx context.Context, err error) (*gferrors.ErrorEnvelope, int) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
	}

	env := gferrors.NewErrorEnvelope(appErr.Code, appErr.Message)
	if id := observability.RequestID(ctx); id != "" {
		env = env.WithCorrelationID(id)
	}
	if len(appErr.Details) > 0 {
		if withCtx, cerr := env.WithContext(appErr.Details); cerr == nil {
			env = withCtx
		}
	}
	return env, appErr.Status
}

// FromEnvelope converts an envelope into the response document.
func FromEnvelope(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   env.Context,
	}}
}

// WriteEnvelope writes env with status as JSON.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(FromEnvelope(env))
}

// RespondWithError writes the error response for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	env, status := Envelope(r.Context(), err)
	if status >= http.StatusInternalServerError {
		observability.ServerLogger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", observability.RequestID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	WriteEnvelope(w, env, status)
}
