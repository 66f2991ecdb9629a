// Package mongo provides a MongoDB implementation of ports.SessionStore.
//
// Records are stored one document per session. The stage and timestamps are
// kept as queryable fields next to the encoded record; updated_at_ns carries
// the full precision used by DeleteIfUnchanged since BSON dates stop at
// milliseconds.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/persistence/codec"
	"github.com/aretw0/waymark/pkg/ports"
)

var (
	_ ports.SessionStore       = (*Store)(nil)
	_ ports.ConditionalDeleter = (*Store)(nil)
)

// Store is a MongoDB backed session store.
type Store struct {
	collection *mongo.Collection
	now        func() time.Time
}

// sessionDocument is the MongoDB document representation of a Session.
type sessionDocument struct {
	ID          string    `bson:"_id"`
	Stage       string    `bson:"current_stage"`
	History     []string  `bson:"stage_history"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
	UpdatedAtNS int64     `bson:"updated_at_ns"`
	Record      []byte    `bson:"record"`
}

// New creates a store on a collection of a connected client.
func New(collection *mongo.Collection) *Store {
	return &Store{
		collection: collection,
		now:        time.Now,
	}
}

// Connect dials uri and returns a store on database.collection. The caller
// owns the returned client and must Disconnect it.
func Connect(ctx context.Context, uri, database, collection string) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("mongodb ping: %w", err)
	}
	s := New(client.Database(database).Collection(collection))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return s, client, nil
}

// EnsureIndexes creates the secondary indexes used by listings and expiry sweeps.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "current_stage", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create indexes: %w", err)
	}
	return nil
}

// Save stores or replaces a session.
func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	doc, err := toDocument(session)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": session.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save session %q: %w", session.ID, err)
	}
	return nil
}

// Load retrieves a session by id.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	var doc sessionDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("mongodb load session %q: %w", sessionID, err)
	}
	return fromDocument(&doc)
}

// Delete removes a session. Missing sessions are ignored.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return fmt.Errorf("mongodb delete session %q: %w", sessionID, err)
	}
	return nil
}

// DeleteIfUnchanged removes the session only if its stored UpdatedAt matches.
// The filter makes the check and the delete one atomic operation.
func (s *Store) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error) {
	res, err := s.collection.DeleteOne(ctx, bson.M{
		"_id":           sessionID,
		"updated_at_ns": updatedAt.UnixNano(),
	})
	if err != nil {
		return false, fmt.Errorf("mongodb conditional delete %q: %w", sessionID, err)
	}
	return res.DeletedCount == 1, nil
}

// List returns all session ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb decode session id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongodb list cursor: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Backup copies every session document into a new collection named
// <collection>_backup_<timestamp> and returns that name.
func (s *Store) Backup(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s_backup_%s", s.collection.Name(), s.now().UTC().Format("20060102T150405.000000000"))

	cursor, err := s.collection.Find(ctx, bson.D{})
	if err != nil {
		return "", fmt.Errorf("mongodb backup read: %w", err)
	}
	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return "", fmt.Errorf("mongodb backup decode: %w", err)
	}

	target := s.collection.Database().Collection(name)
	if len(docs) == 0 {
		if err := s.collection.Database().CreateCollection(ctx, name); err != nil {
			return "", fmt.Errorf("mongodb backup create %q: %w", name, err)
		}
		return name, nil
	}

	batch := make([]any, len(docs))
	for i := range docs {
		batch[i] = docs[i]
	}
	if _, err := target.InsertMany(ctx, batch); err != nil {
		return "", fmt.Errorf("mongodb backup write %q: %w", name, err)
	}
	return name, nil
}

func toDocument(session *domain.Session) (*sessionDocument, error) {
	record, err := codec.Marshal(session)
	if err != nil {
		return nil, err
	}
	history := make([]string, len(session.History))
	for i, st := range session.History {
		history[i] = string(st)
	}
	return &sessionDocument{
		ID:          session.ID,
		Stage:       string(session.Stage),
		History:     history,
		CreatedAt:   session.CreatedAt,
		UpdatedAt:   session.UpdatedAt,
		UpdatedAtNS: session.UpdatedAt.UnixNano(),
		Record:      record,
	}, nil
}

func fromDocument(doc *sessionDocument) (*domain.Session, error) {
	session, err := codec.Unmarshal(doc.Record)
	if err != nil {
		return nil, fmt.Errorf("mongodb session %q: %w", doc.ID, err)
	}
	return session, nil
}
