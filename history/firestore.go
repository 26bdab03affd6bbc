package history

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-collab-docs/errs"
)

// FirestoreBackend stores each log under histories/<doc>, with the head in
// the parent document and commits in the "commits" subcollection.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreBackend(client *firestore.Client) *FirestoreBackend {
	return &FirestoreBackend{client: client, collection: "histories"}
}

type fsHead struct {
	Head      string    `firestore:"head"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type fsCommit struct {
	Parent    string    `firestore:"parent"`
	Content   string    `firestore:"content"`
	Message   string    `firestore:"message"`
	Author    string    `firestore:"author"`
	Timestamp time.Time `firestore:"timestamp"`
}

func (b *FirestoreBackend) logRef(docID string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(docID)
}

func (b *FirestoreBackend) commits(docID string) *firestore.CollectionRef {
	return b.logRef(docID).Collection("commits")
}

func (b *FirestoreBackend) Head(ctx context.Context, docID string) (string, error) {
	snap, err := b.logRef(docID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", errs.Errorf(errs.KindNotFound, "firestore.Head", "no log for %q", docID)
	}
	if err != nil {
		return "", err
	}
	var h fsHead
	if err := snap.DataTo(&h); err != nil {
		return "", err
	}
	return h.Head, nil
}

func (b *FirestoreBackend) Get(ctx context.Context, docID, hash string) (Commit, error) {
	snap, err := b.commits(docID).Doc(hash).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Commit{}, errs.Errorf(errs.KindNotFound, "firestore.Get", "commit %s not in %q", ShortHash(hash), docID)
	}
	if err != nil {
		return Commit{}, err
	}
	var fc fsCommit
	if err := snap.DataTo(&fc); err != nil {
		return Commit{}, err
	}
	return Commit{
		Hash:      hash,
		Parent:    fc.Parent,
		Content:   fc.Content,
		Message:   fc.Message,
		Author:    fc.Author,
		Timestamp: fc.Timestamp.UTC(),
	}, nil
}

// Append moves the head inside a transaction, so two processes appending to
// the same log cannot both succeed.
func (b *FirestoreBackend) Append(ctx context.Context, docID string, c Commit) error {
	logRef := b.logRef(docID)
	return b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var head string
		snap, err := tx.Get(logRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var h fsHead
			if err := snap.DataTo(&h); err != nil {
				return err
			}
			head = h.Head
		}
		if head != c.Parent {
			return errs.Errorf(errs.KindConflict, "firestore.Append", "head of %q is %q, not %q", docID, ShortHash(head), ShortHash(c.Parent))
		}
		if err := tx.Create(b.commits(docID).Doc(c.Hash), fsCommit{
			Parent:    c.Parent,
			Content:   c.Content,
			Message:   c.Message,
			Author:    c.Author,
			Timestamp: c.Timestamp,
		}); err != nil {
			return err
		}
		return tx.Set(logRef, fsHead{Head: c.Hash, UpdatedAt: time.Now()})
	})
}

func (b *FirestoreBackend) Drop(ctx context.Context, docID string) error {
	iter := b.commits(docID).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return err
		}
	}
	_, err := b.logRef(docID).Delete(ctx)
	return err
}
