// Package service exposes the document operations used by the REST API and
// the websocket sessions.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/coordinator"
	"github.com/alimasry/go-collab-docs/errs"
	"github.com/alimasry/go-collab-docs/history"
	"github.com/alimasry/go-collab-docs/store"
)

// Content is a document's saved content as seen by one requester.
type Content struct {
	Content string     `json:"content"`
	Role    store.Role `json:"role"`
}

type CommitInfo struct {
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parentHash"`
	Message    string    `json:"message"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
}

type SaveResult struct {
	Accepted bool   `json:"accepted"`
	Queued   bool   `json:"queued"`
	Hash     string `json:"hash,omitempty"`
}

type RollbackResult struct {
	NewContent string `json:"newContent"`
	Hash       string `json:"hash"`
}

type Service struct {
	docs    store.DocumentStore
	history *history.Store
	coord   *coordinator.Coordinator
	log     *zap.Logger
}

func New(docs store.DocumentStore, hist *history.Store, coord *coordinator.Coordinator, log *zap.Logger) *Service {
	return &Service{
		docs:    docs,
		history: hist,
		coord:   coord,
		log:     log.Named("service"),
	}
}

// Role resolves the requester's role on a document.
func (s *Service) Role(ctx context.Context, docID, requester string) (store.Role, error) {
	role, err := store.RoleFor(ctx, s.docs, docID, requester)
	return role, errs.Wrap("service.Role", err)
}

func (s *Service) requireRead(ctx context.Context, op, docID, requester string) error {
	role, err := s.Role(ctx, docID, requester)
	if err != nil {
		return err
	}
	if !role.CanRead() {
		return errs.Errorf(errs.KindForbidden, op, "user %q cannot read %q", requester, docID)
	}
	return nil
}

// Get returns the saved content. A requester without access gets RoleNone
// and no content instead of an error.
func (s *Service) Get(ctx context.Context, docID, requester string) (Content, error) {
	const op = "service.Get"
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return Content{}, errs.Wrap(op, err)
	}
	role, err := store.RoleFor(ctx, s.docs, docID, requester)
	if err != nil {
		return Content{}, errs.Wrap(op, err)
	}
	if !role.CanRead() {
		return Content{Role: store.RoleNone}, nil
	}
	return Content{Content: doc.Content, Role: role}, nil
}

func (s *Service) Save(ctx context.Context, docID, content, requester string) (SaveResult, error) {
	// The content did not come from a live session, so open sessions are
	// reset to it.
	res, err := s.coord.RequestSave(ctx, docID, content, requester, coordinator.WithLiveReset())
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Accepted: res.Accepted, Queued: res.Queued, Hash: res.Hash}, nil
}

// History lists the document's commits, newest first.
func (s *Service) History(ctx context.Context, docID, requester string) ([]CommitInfo, error) {
	const op = "service.History"
	if err := s.requireRead(ctx, op, docID, requester); err != nil {
		return nil, err
	}
	log, err := s.history.Log(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make([]CommitInfo, len(log))
	for i, c := range log {
		out[i] = CommitInfo{
			Hash:       c.Hash,
			ParentHash: c.Parent,
			Message:    c.Message,
			Author:     c.Author,
			Timestamp:  c.Timestamp,
		}
	}
	return out, nil
}

// CommitContent returns the content recorded by one commit.
func (s *Service) CommitContent(ctx context.Context, docID, hash, requester string) (string, error) {
	if err := s.requireRead(ctx, "service.CommitContent", docID, requester); err != nil {
		return "", err
	}
	return s.history.MaterializeAt(ctx, docID, hash)
}

func (s *Service) Rollback(ctx context.Context, docID, hash, requester string) (RollbackResult, error) {
	res, err := s.coord.RequestRollback(ctx, docID, hash, requester)
	if err != nil {
		return RollbackResult{}, err
	}
	return RollbackResult{NewContent: res.NewContent, Hash: res.Commit.Hash}, nil
}

// Create allocates a document owned by owner with an empty initial commit.
func (s *Service) Create(ctx context.Context, name, owner string) (*store.Document, error) {
	const op = "service.Create"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Errorf(errs.KindInvalid, op, "document name is empty")
	}
	if owner == "" {
		return nil, errs.Errorf(errs.KindInvalid, op, "document needs an owner")
	}

	doc := store.Document{ID: uuid.NewString(), Name: name, OwnerID: owner}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, errs.Wrap(op, err)
	}
	if _, err := s.history.Init(ctx, doc.ID, owner); err != nil {
		if derr := s.docs.Delete(ctx, doc.ID); derr != nil {
			s.log.Error("failed to undo document create", zap.String("doc", doc.ID), zap.Error(derr))
		}
		return nil, err
	}
	s.log.Info("document created", zap.String("doc", doc.ID), zap.String("owner", owner))
	created, err := s.docs.Get(ctx, doc.ID)
	return created, errs.Wrap(op, err)
}

// Delete removes the document, its grants, its live sessions and its whole
// version log. Only the owner may delete.
func (s *Service) Delete(ctx context.Context, docID, requester string) error {
	const op = "service.Delete"
	role, err := s.Role(ctx, docID, requester)
	if err != nil {
		return err
	}
	if role != store.RoleOwner {
		return errs.Errorf(errs.KindForbidden, op, "only the owner can delete %q", docID)
	}
	err = s.coord.Exclusive(ctx, docID, func(ctx context.Context) error {
		if err := s.docs.Delete(ctx, docID); err != nil {
			return errs.Wrap(op, err)
		}
		s.coord.Evict(docID)
		return s.history.Delete(ctx, docID)
	})
	if err != nil {
		return err
	}
	s.log.Info("document deleted", zap.String("doc", docID), zap.String("by", requester))
	return nil
}

// Share gives user a role on the document; RoleNone revokes access. Only the
// owner may share.
func (s *Service) Share(ctx context.Context, docID, requester, user string, role store.Role) error {
	const op = "service.Share"
	doc, err := s.docs.Get(ctx, docID)
	if err != nil {
		return errs.Wrap(op, err)
	}
	if doc.OwnerID != requester {
		return errs.Errorf(errs.KindForbidden, op, "only the owner can share %q", docID)
	}
	if user == "" || user == doc.OwnerID {
		return errs.Errorf(errs.KindInvalid, op, "cannot change the role of %q", user)
	}
	switch role {
	case store.RoleNone:
		err = s.docs.RemoveGrant(ctx, docID, user)
	case store.RoleReader, store.RoleWriter:
		err = s.docs.SetGrant(ctx, store.Grant{DocID: docID, UserID: user, Role: role})
	default:
		return errs.Errorf(errs.KindInvalid, op, "cannot grant role %q", role)
	}
	if err != nil {
		return errs.Wrap(op, err)
	}
	s.coord.RoleChanged(docID, user, role)
	return nil
}

// List returns the documents the requester owns or has been granted.
func (s *Service) List(ctx context.Context, requester string) ([]store.Document, error) {
	if requester == "" {
		return nil, nil
	}
	docs, err := s.docs.ListForUser(ctx, requester)
	return docs, errs.Wrap("service.List", err)
}
