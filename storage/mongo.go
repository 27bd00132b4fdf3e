package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/go-realty-radar/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const runReportsCollection = "run_reports"

// MongoArchive copies run reports into a document store read by the
// reporting layer.
type MongoArchive struct {
	client  *mongo.Client
	reports *mongo.Collection
}

// NewMongoArchive connects to uri and ensures the report indexes exist.
func NewMongoArchive(ctx context.Context, uri, database string) (*MongoArchive, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	a := &MongoArchive{
		client:  client,
		reports: client.Database(database).Collection(runReportsCollection),
	}
	if err := a.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *MongoArchive) createIndexes(ctx context.Context) error {
	_, err := a.reports.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "source", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create run report index: %w", err)
	}
	return nil
}

// Archive stores r, replacing an earlier copy with the same id.
func (a *MongoArchive) Archive(ctx context.Context, r *models.RunReport) error {
	_, err := a.reports.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive run report %s: %w", r.ID, err)
	}
	return nil
}

// Latest returns the most recent archived report of a source.
func (a *MongoArchive) Latest(ctx context.Context, source string) (*models.RunReport, error) {
	var r models.RunReport
	err := a.reports.FindOne(ctx, bson.M{"source": source},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run report: %w", err)
	}
	return &r, nil
}

// Close disconnects the client.
func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
