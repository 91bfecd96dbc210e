// Package mongo implements session.Store on MongoDB. Sessions live in one
// collection keyed by session_id, with a compound user_id/created_at index
// serving the per-user history queries.
//
// Status transitions are enforced in the database: every mutation filters on
// the statuses the transition table allows, so a stale or concurrent writer
// matches zero documents instead of corrupting a terminal record.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/neomentor/engine/runtime/session"
)

const (
	defaultCollection = "sessions"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "session-mongo"
)

// Options configures the Mongo session store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection overrides the collection name. Defaults to "sessions".
	Collection string
	// Timeout bounds each operation. Defaults to 5 seconds.
	Timeout time.Duration
}

// Store implements session.Store backed by MongoDB. It also implements
// clue health.Pinger so the health endpoint can report Mongo status.
type Store struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

type sessionDocument struct {
	SessionID string         `bson:"session_id"`
	UserID    string         `bson:"user_id"`
	Kind      string         `bson:"kind"`
	Status    string         `bson:"status"`
	Steps     []session.Step `bson:"steps,omitempty"`
	Result    []byte         `bson:"result,omitempty"`
	Error     string         `bson:"error,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensure session indexes: %w", err)
	}
	return newStoreWithCollection(opts.Client, mongoCollection{coll: coll}, timeout), nil
}

func newStoreWithCollection(client *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	return &Store{mongo: client, sessions: coll, timeout: timeout}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	if sess.UserID == "" {
		return errors.New("user id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.sessions.InsertOne(ctx, fromSession(sess)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.ErrSessionExists
		}
		return err
	}
	return nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// Transition implements session.Store. The legal source statuses are part of
// the filter, so an illegal transition matches nothing.
func (s *Store) Transition(ctx context.Context, id string, to session.Status) error {
	froms := sourcesOf(to)
	if len(froms) == 0 {
		return fmt.Errorf("%w: no status may move to %s", session.ErrInvalidTransition, to)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": id, "status": bson.M{"$in": froms}},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if matched == 0 {
		return s.explainMiss(ctx, id, to)
	}
	return nil
}

// AppendStep implements session.Store.
func (s *Store) AppendStep(ctx context.Context, id string, step session.Step) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": id, "status": bson.M{"$in": liveStatuses()}},
		bson.M{
			"$push": bson.M{"steps": step},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if matched == 0 {
		if _, lerr := s.Load(ctx, id); lerr != nil {
			return lerr
		}
		return session.ErrSessionTerminal
	}
	return nil
}

// Finalize implements session.Store.
func (s *Store) Finalize(ctx context.Context, id string, to session.Status, result json.RawMessage, errMsg string) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", session.ErrInvalidTransition, to)
	}
	set := bson.M{
		"status":     string(to),
		"error":      errMsg,
		"updated_at": time.Now().UTC(),
	}
	if result != nil {
		set["result"] = []byte(result)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	matched, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": id, "status": bson.M{"$in": sourcesOf(to)}},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if matched == 0 {
		return s.explainMiss(ctx, id, to)
	}
	return nil
}

// ListByUser implements session.Store.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs, err := s.sessions.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toSession())
	}
	return out, nil
}

// explainMiss distinguishes why a guarded update matched nothing.
func (s *Store) explainMiss(ctx context.Context, id string, to session.Status) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", session.ErrSessionTerminal, sess.Status)
	}
	return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, sess.Status, to)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// sourcesOf returns the statuses the transition table allows to move to `to`.
func sourcesOf(to session.Status) []string {
	var out []string
	for _, from := range allStatuses() {
		if from.Valid(to) {
			out = append(out, string(from))
		}
	}
	return out
}

func liveStatuses() []string {
	var out []string
	for _, st := range allStatuses() {
		if !st.Terminal() {
			out = append(out, string(st))
		}
	}
	return out
}

func allStatuses() []session.Status {
	return []session.Status{
		session.StatusQueued,
		session.StatusRunning,
		session.StatusCompleted,
		session.StatusFailed,
		session.StatusQuotaExceeded,
	}
}

func fromSession(sess session.Session) sessionDocument {
	return sessionDocument{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Kind:      string(sess.Kind),
		Status:    string(sess.Status),
		Steps:     sess.Steps,
		Result:    []byte(sess.Result),
		Error:     sess.Error,
		CreatedAt: sess.CreatedAt.UTC(),
		UpdatedAt: sess.UpdatedAt.UTC(),
	}
}

func (d sessionDocument) toSession() session.Session {
	return session.Session{
		ID:        d.SessionID,
		UserID:    d.UserID,
		Kind:      session.Kind(d.Kind),
		Status:    session.Status(d.Status),
		Steps:     d.Steps,
		Result:    json.RawMessage(d.Result),
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	return err
}
