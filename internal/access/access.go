// Package access decides who may read, edit and administer a document.
package access

import (
	"errors"

	"cowrite/api/internal/store"
)

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAccessDenied     = errors.New("access denied")
)

// CanRead holds for public documents and for the creator of a private one.
func CanRead(doc store.Document, userID string) bool {
	if userID == "" {
		return false
	}
	return doc.IsPublic || doc.CreatedBy == userID
}

// CanWrite follows read access: anyone who can open a document can edit its content.
func CanWrite(doc store.Document, userID string) bool {
	return CanRead(doc, userID)
}

// CanAdminister covers title, visibility and deletion, which stay with the creator.
func CanAdminister(doc store.Document, userID string) bool {
	return userID != "" && doc.CreatedBy == userID
}

func Can(doc store.Document, userID string, action Action) bool {
	switch action {
	case ActionRead:
		return CanRead(doc, userID)
	case ActionWrite:
		return CanWrite(doc, userID)
	case ActionAdmin:
		return CanAdminister(doc, userID)
	default:
		return false
	}
}

func RequireUser(userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	return nil
}

// Require returns ErrAccessDenied unless the user may perform action on doc.
func Require(doc store.Document, userID string, action Action) error {
	if err := RequireUser(userID); err != nil {
		return err
	}
	if !Can(doc, userID, action) {
		return ErrAccessDenied
	}
	return nil
}
