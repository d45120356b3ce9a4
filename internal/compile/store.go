package compile

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gogotex/gogotex/backend/go-services/internal/database"
)

// Store is the Record Store Adapter (C2): it persists compile job status
// and serves terminal-state lookups for idempotent queue replay. Monotonic
// status transitions are the orchestrator's responsibility, not the
// store's — Save/Apply perform whatever patch they're given.
type Store interface {
	// Load fetches a job by id. Returns nil, nil when not found.
	Load(ctx context.Context, jobID string) (*Job, error)
	// Save upserts the full job record.
	Save(ctx context.Context, job *Job) error
	// Apply merges patch fields into the job identified by jobID.
	Apply(ctx context.Context, jobID string, patch Patch) error
}

// MongoStore persists compile jobs into the `compile_jobs` collection.
// Each call opens and closes its own connection, matching the rest of
// this service's short-lived-connection style (see database.ConnectMongo).
type MongoStore struct {
	uri      string
	database string
}

// NewMongoStore returns a Store backed by MongoDB at uri/database.
func NewMongoStore(uri, database string) *MongoStore {
	return &MongoStore{uri: uri, database: database}
}

func (s *MongoStore) collection(ctx context.Context) (*mongo.Collection, *mongo.Client, error) {
	client, err := database.ConnectMongo(ctx, s.uri, 5*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client.Database(s.database).Collection("compile_jobs"), client, nil
}

// Load fetches a persisted compile job by jobId. Returns nil, nil when not found.
func (s *MongoStore) Load(ctx context.Context, jobID string) (*Job, error) {
	col, client, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(ctx)

	var job Job
	if err := col.FindOne(ctx, bson.M{"jobId": jobID}).Decode(&job); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("load compile job: %w", err)
	}
	return &job, nil
}

// Save persists (upsert) the full compile job record.
func (s *MongoStore) Save(ctx context.Context, job *Job) error {
	col, client, err := s.collection(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	filter := bson.M{"jobId": job.ID}
	opts := options.Update().SetUpsert(true)
	if _, err := col.UpdateOne(ctx, filter, bson.M{"$set": job}, opts); err != nil {
		return fmt.Errorf("save compile job: %w", err)
	}
	return nil
}

// Apply merges patch fields into the job identified by jobID.
func (s *MongoStore) Apply(ctx context.Context, jobID string, patch Patch) error {
	col, client, err := s.collection(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	set := bson.M{"updatedAt": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.PDFKey != nil {
		set["pdfKey"] = *patch.PDFKey
	}
	if patch.PDFURL != nil {
		set["pdfUrl"] = *patch.PDFURL
	}
	if patch.SynctexKey != nil {
		set["synctexKey"] = *patch.SynctexKey
	}
	if patch.SynctexURL != nil {
		set["synctexUrl"] = *patch.SynctexURL
	}
	if patch.Log != nil {
		set["log"] = *patch.Log
	}
	if patch.DurationMs != nil {
		set["durationMs"] = *patch.DurationMs
	}

	filter := bson.M{"jobId": jobID}
	if _, err := col.UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("apply compile job patch: %w", err)
	}
	return nil
}
