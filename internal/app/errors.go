package app

import (
	"errors"
	"fmt"
	"net/http"

	"cowrite/api/internal/access"
	"cowrite/api/internal/docsync"
	"cowrite/api/internal/documents"
	"cowrite/api/internal/store"
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

var (
	errUnauthenticated  = domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	errDocumentNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	errRateLimited      = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
)

// errorMappings is checked in order; authentication wins over everything else.
var errorMappings = []struct {
	target error
	status int
	code   string
}{
	{access.ErrNotAuthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{access.ErrAccessDenied, http.StatusForbidden, "ACCESS_DENIED"},
	{store.ErrAlreadyInitialized, http.StatusConflict, "ALREADY_INITIALIZED"},
	{store.ErrUninitialized, http.StatusConflict, "NOT_INITIALIZED"},
	{docsync.ErrEmptyBatch, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{docsync.ErrInvalidVersion, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{documents.ErrInvalidTitle, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{store.ErrStorage, http.StatusServiceUnavailable, "STORAGE_FAILURE"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			message = m.target.Error()
			if m.status == http.StatusServiceUnavailable {
				message = "Storage unavailable"
			}
			return m.status, m.code, message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
