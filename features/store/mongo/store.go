// Package mongo provides a store.Store implementation backed by MongoDB.
// Recording metadata and signals live in separate collections; appends
// allocate sequence numbers through an atomic counter on the metadata
// document, which also enforces the open/finalized lifecycle.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
)

const (
	defaultRecordingsCollection = "loom_recordings"
	defaultSignalsCollection    = "loom_signals"
	defaultOpTimeout            = 5 * time.Second
)

// Options configures the Mongo store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// RecordingsCollection overrides the metadata collection name.
	RecordingsCollection string
	// SignalsCollection overrides the signal log collection name.
	SignalsCollection string
	// Timeout bounds individual store operations.
	Timeout time.Duration
}

// Store implements store.Store on top of MongoDB.
type Store struct {
	recordings collection
	signals    collection
	timeout    time.Duration
}

// New returns a Store backed by MongoDB. It creates the indexes the store
// relies on: unique recording ids, fingerprint lookup by name, and ordered
// signal retrieval.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	recName := opts.RecordingsCollection
	if recName == "" {
		recName = defaultRecordingsCollection
	}
	sigName := opts.SignalsCollection
	if sigName == "" {
		sigName = defaultSignalsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	recColl := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(recName)}
	sigColl := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(sigName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, recColl, sigColl); err != nil {
		return nil, err
	}
	return newStoreWithCollections(recColl, sigColl, timeout), nil
}

func newStoreWithCollections(recordings, signals collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{recordings: recordings, signals: signals, timeout: timeout}
}

// Create opens a new recording with status open and returns its id.
func (s *Store) Create(ctx context.Context, meta store.Meta) (string, error) {
	if meta.RecordingID == "" {
		meta.RecordingID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.Status = store.StatusOpen

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.recordings.InsertOne(ctx, fromMeta(meta)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("recording %q already exists", meta.RecordingID)
		}
		return "", err
	}
	return meta.RecordingID, nil
}

// Append appends the signal to the recording. The sequence number comes from
// an atomic counter on the metadata document; the same filtered update also
// rejects appends to finalized recordings.
func (s *Store) Append(ctx context.Context, recordingID string, sig signal.Enriched) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"recording_id": recordingID, "status": store.StatusOpen}
	update := bson.M{"$inc": bson.M{"next_seq": int64(1)}}
	var doc recordingDocument
	err = s.recordings.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return s.lifecycleError(ctx, recordingID)
		}
		return err
	}

	_, err = s.signals.InsertOne(ctx, signalDocument{
		RecordingID: recordingID,
		Seq:         doc.NextSeq,
		Data:        data,
	})
	return err
}

// Finalize marks the recording terminal.
func (s *Store) Finalize(ctx context.Context, recordingID string, durationMs int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"recording_id": recordingID, "status": store.StatusOpen}
	update := bson.M{"$set": bson.M{
		"status":       store.StatusFinalized,
		"finalized_at": now,
		"duration_ms":  durationMs,
	}}
	res, err := s.recordings.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.lifecycleError(ctx, recordingID)
	}
	return nil
}

// Load returns the full recording, signals in append order.
func (s *Store) Load(ctx context.Context, recordingID string) (*store.Recording, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc recordingDocument
	if err := s.recordings.FindOne(ctx, bson.M{"recording_id": recordingID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrRecordingNotFound
		}
		return nil, err
	}

	cur, err := s.signals.Find(ctx, bson.M{"recording_id": recordingID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	rec := &store.Recording{Meta: doc.toMeta()}
	for cur.Next(ctx) {
		var sigDoc signalDocument
		if err := cur.Decode(&sigDoc); err != nil {
			return nil, err
		}
		var sig signal.Enriched
		if err := json.Unmarshal(sigDoc.Data, &sig); err != nil {
			return nil, fmt.Errorf("decode signal %d: %w", sigDoc.Seq, err)
		}
		rec.Signals = append(rec.Signals, sig)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns metadata for recordings matching the filter, oldest first.
func (s *Store) List(ctx context.Context, filter store.Filter) ([]store.Meta, error) {
	query := bson.M{}
	if filter.Name != "" {
		query["name"] = filter.Name
	}
	if filter.ProviderType != "" {
		query["provider_type"] = filter.ProviderType
	}
	if len(filter.Tags) > 0 {
		query["tags"] = bson.M{"$all": filter.Tags}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.recordings.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []store.Meta
	for cur.Next(ctx) {
		var doc recordingDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toMeta())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the recording and its signal log.
func (s *Store) Delete(ctx context.Context, recordingID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.signals.DeleteMany(ctx, bson.M{"recording_id": recordingID}); err != nil {
		return err
	}
	res, err := s.recordings.DeleteOne(ctx, bson.M{"recording_id": recordingID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrRecordingNotFound
	}
	return nil
}

// lifecycleError resolves why an open-only operation matched nothing.
func (s *Store) lifecycleError(ctx context.Context, recordingID string) error {
	var doc recordingDocument
	err := s.recordings.FindOne(ctx, bson.M{"recording_id": recordingID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrRecordingNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrRecordingFinalized
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type recordingDocument struct {
	RecordingID  string       `bson:"recording_id"`
	Name         string       `bson:"name,omitempty"`
	Tags         []string     `bson:"tags,omitempty"`
	ProviderType string       `bson:"provider_type,omitempty"`
	Status       store.Status `bson:"status"`
	CreatedAt    time.Time    `bson:"created_at"`
	FinalizedAt  *time.Time   `bson:"finalized_at,omitempty"`
	DurationMs   int64        `bson:"duration_ms,omitempty"`
	NextSeq      int64        `bson:"next_seq"`
}

type signalDocument struct {
	RecordingID string `bson:"recording_id"`
	Seq         int64  `bson:"seq"`
	Data        []byte `bson:"data"`
}

func fromMeta(m store.Meta) recordingDocument {
	return recordingDocument{
		RecordingID:  m.RecordingID,
		Name:         m.Name,
		Tags:         append([]string(nil), m.Tags...),
		ProviderType: m.ProviderType,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt.UTC(),
		FinalizedAt:  m.FinalizedAt,
		DurationMs:   m.DurationMs,
	}
}

func (doc recordingDocument) toMeta() store.Meta {
	return store.Meta{
		RecordingID:  doc.RecordingID,
		Name:         doc.Name,
		Tags:         append([]string(nil), doc.Tags...),
		ProviderType: doc.ProviderType,
		Status:       doc.Status,
		CreatedAt:    doc.CreatedAt,
		FinalizedAt:  doc.FinalizedAt,
		DurationMs:   doc.DurationMs,
	}
}

func ensureIndexes(ctx context.Context, recordings, signals collection) error {
	recordingIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "recording_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := recordings.Indexes().CreateOne(ctx, recordingIndex); err != nil {
		return err
	}
	// Replay looks recordings up by fingerprint name and status.
	nameIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}, {Key: "status", Value: 1}},
	}
	if _, err := recordings.Indexes().CreateOne(ctx, nameIndex); err != nil {
		return err
	}
	signalIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "recording_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := signals.Indexes().CreateOne(ctx, signalIndex); err != nil {
		return err
	}
	return nil
}

// collection abstracts the Mongo driver collection so tests can provide
// fakes.
type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
