package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-collab-docs/errs"
)

// Role is a user's access level on a document.
type Role string

const (
	RoleNone   Role = "none"
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
	RoleOwner  Role = "owner"
)

// Valid reports whether r can be stored in a grant.
func (r Role) Valid() bool {
	return r == RoleReader || r == RoleWriter || r == RoleOwner
}

// CanWrite reports whether r may save or roll back a document.
func (r Role) CanWrite() bool { return r == RoleWriter || r == RoleOwner }

// CanRead reports whether r may open a document.
func (r Role) CanRead() bool { return r.Valid() }

// Document holds document metadata and its live content.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Grant gives a user a role on a document.
type Grant struct {
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// DocumentStore abstracts document and permission persistence.
// Implementations: MemoryStore, BoltStore, FirestoreStore, and CachedStore
// wrapping any of them.
type DocumentStore interface {
	Create(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// ListForUser returns documents the user owns or has a grant on.
	ListForUser(ctx context.Context, userID string) ([]Document, error)
	UpdateContent(ctx context.Context, id, content string) error
	// Delete removes the document and all of its grants.
	Delete(ctx context.Context, id string) error
	// SetGrant creates or replaces the single grant for (doc, user).
	SetGrant(ctx context.Context, g Grant) error
	RemoveGrant(ctx context.Context, docID, userID string) error
	// GetGrant returns RoleNone when the user has no grant.
	GetGrant(ctx context.Context, docID, userID string) (Role, error)
}

// RoleFor resolves a user's effective role. Ownership implies RoleOwner
// without a grant row.
func RoleFor(ctx context.Context, st DocumentStore, docID, userID string) (Role, error) {
	doc, err := st.Get(ctx, docID)
	if err != nil {
		return RoleNone, err
	}
	if userID != "" && doc.OwnerID == userID {
		return RoleOwner, nil
	}
	role, err := st.GetGrant(ctx, docID, userID)
	if err != nil {
		return RoleNone, err
	}
	return role, nil
}

func notFound(op, id string) error {
	return errs.Errorf(errs.KindNotFound, op, "document %q not found", id)
}

func exists(op, id string) error {
	return errs.Errorf(errs.KindConflict, op, "document %q already exists", id)
}

func checkGrant(op string, g Grant) error {
	if !g.Role.Valid() {
		return errs.Errorf(errs.KindInvalid, op, "invalid role %q", g.Role)
	}
	if g.UserID == "" {
		return errs.Errorf(errs.KindInvalid, op, "grant needs a user")
	}
	return nil
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool { return errors.Is(err, errs.NotFound) }
