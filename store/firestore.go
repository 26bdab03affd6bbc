package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Grants live in a "grants" subcollection keyed by user id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) grantsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("grants")
}

func (s *FirestoreStore) Create(ctx context.Context, doc Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	_, err := s.docRef(doc.ID).Create(ctx, map[string]interface{}{
		"name":      doc.Name,
		"ownerId":   doc.OwnerID,
		"content":   doc.Content,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return exists("firestore.Create", doc.ID)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, notFound("firestore.Get", id)
	}
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, notFound("firestore.Get", id)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocument(id, snap), nil
}

func snapshotToDocument(id string, snap *firestore.DocumentSnapshot) *Document {
	data := snap.Data()
	name, _ := data["name"].(string)
	owner, _ := data["ownerId"].(string)
	content, _ := data["content"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &Document{
		ID:        id,
		Name:      name,
		OwnerID:   owner,
		Content:   content,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) ListForUser(ctx context.Context, userID string) ([]Document, error) {
	seen := make(map[string]bool)
	var result []Document

	owned := s.client.Collection(s.collection).Where("ownerId", "==", userID).Documents(ctx)
	defer owned.Stop()
	for {
		snap, err := owned.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[snap.Ref.ID] = true
		result = append(result, *snapshotToDocument(snap.Ref.ID, snap))
	}

	shared := s.client.CollectionGroup("grants").Where("userId", "==", userID).Documents(ctx)
	defer shared.Stop()
	for {
		snap, err := shared.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		parent := snap.Ref.Parent.Parent
		if parent == nil || seen[parent.ID] {
			continue
		}
		doc, err := s.Get(ctx, parent.ID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = true
		result = append(result, *doc)
	}
	sortDocuments(result)
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content string) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return notFound("firestore.UpdateContent", id)
	}
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	if _, err := s.docRef(id).Get(ctx); status.Code(err) == codes.NotFound {
		return notFound("firestore.Delete", id)
	} else if err != nil {
		return err
	}

	// Delete grants subcollection first; Firestore does not cascade.
	grants := s.grantsCollection(id).Documents(ctx)
	defer grants.Stop()
	for {
		snap, err := grants.Next()
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
	_, err := s.docRef(id).Delete(ctx)
	return err
}

func (s *FirestoreStore) SetGrant(ctx context.Context, g Grant) error {
	if err := checkGrant("firestore.SetGrant", g); err != nil {
		return err
	}
	if _, err := s.docRef(g.DocID).Get(ctx); status.Code(err) == codes.NotFound {
		return notFound("firestore.SetGrant", g.DocID)
	} else if err != nil {
		return err
	}
	_, err := s.grantsCollection(g.DocID).Doc(g.UserID).Set(ctx, map[string]interface{}{
		"userId": g.UserID,
		"role":   string(g.Role),
	})
	return err
}

func (s *FirestoreStore) RemoveGrant(ctx context.Context, docID, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := s.docRef(docID).Get(ctx); status.Code(err) == codes.NotFound {
		return notFound("firestore.RemoveGrant", docID)
	} else if err != nil {
		return err
	}
	_, err := s.grantsCollection(docID).Doc(userID).Delete(ctx)
	return err
}

func (s *FirestoreStore) GetGrant(ctx context.Context, docID, userID string) (Role, error) {
	if userID == "" {
		return RoleNone, nil
	}
	snap, err := s.grantsCollection(docID).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		if _, err := s.docRef(docID).Get(ctx); status.Code(err) == codes.NotFound {
			return RoleNone, notFound("firestore.GetGrant", docID)
		} else if err != nil {
			return RoleNone, err
		}
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	role, _ := snap.Data()["role"].(string)
	return Role(role), nil
}
