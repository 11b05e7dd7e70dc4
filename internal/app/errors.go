package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"success/api/internal/auth"
	"success/api/internal/authpw"
	"success/api/internal/billing"
	"success/api/internal/blocks"
	"success/api/internal/crm"
	"success/api/internal/export"
	"success/api/internal/media"
	"success/api/internal/revision"
	"success/api/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", field+" "+message, map[string]string{"field": field})
}

var (
	errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound  = domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
)

// mapError turns an error from any layer into the HTTP status, code and
// message the client sees. Unknown errors become a generic 500; the caller
// logs the original.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var crmInvalid *crm.ValidationError
	if errors.As(err, &crmInvalid) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", crmInvalid.Error(), map[string]string{"field": crmInvalid.Field}
	}

	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, crm.ErrNotFound),
		errors.Is(err, media.ErrNotFound),
		errors.Is(err, revision.ErrNotFound),
		errors.Is(err, billing.ErrNotFound),
		errors.Is(err, billing.ErrPlanNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil

	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil

	case errors.Is(err, crm.ErrDuplicateEmail), errors.Is(err, crm.ErrAlreadyEnrolled), errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "CONFLICT", err.Error(), nil

	case errors.Is(err, crm.ErrInvalidState), errors.Is(err, crm.ErrSequenceInactive), errors.Is(err, billing.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error(), nil

	case errors.Is(err, blocks.ErrInvalidPath),
		errors.Is(err, blocks.ErrUnknownBlock),
		errors.Is(err, blocks.ErrUnknownAttr),
		errors.Is(err, blocks.ErrInvalidAttr),
		errors.Is(err, blocks.ErrInvalidDocument),
		errors.Is(err, billing.ErrInvalidPlan),
		errors.Is(err, revision.ErrInvalidID):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil

	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest, "INVALID_SIGNATURE", err.Error(), nil
	case errors.Is(err, billing.ErrInvalidPayload), errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil

	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", err.Error(), nil
	case errors.Is(err, media.ErrEmptyFile):
		return http.StatusBadRequest, "EMPTY_FILE", err.Error(), nil

	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
