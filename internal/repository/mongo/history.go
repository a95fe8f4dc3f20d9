// Package mongo persists the operator playback history. The store is
// optional: when no Mongo URI is configured the server runs without it and
// every other feature is unaffected.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncstream/internal/domain"
)

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type playbackEventDoc struct {
	Action   string  `bson:"action"`
	Video    string  `bson:"video,omitempty"`
	Position float64 `bson:"position"`
	Actor    string  `bson:"actor"`
	At       int64   `bson:"at"`
}

type HistoryRepository struct {
	collection *mongo.Collection
}

func NewHistoryRepository(client *mongo.Client, dbName string) *HistoryRepository {
	return &HistoryRepository{collection: client.Database(dbName).Collection("playback_history")}
}

func (r *HistoryRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "at", Value: -1}},
	})
	return err
}

// Record appends one operator transition.
func (r *HistoryRepository) Record(ctx context.Context, ev domain.PlaybackEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.collection.InsertOne(ctx, playbackEventDoc{
		Action:   string(ev.Action),
		Video:    string(ev.Video),
		Position: ev.Position,
		Actor:    ev.Actor,
		At:       at.UnixMilli(),
	})
	return err
}

// ListRecent returns the latest events, newest first.
func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.PlaybackEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []playbackEventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	events := make([]domain.PlaybackEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, domain.PlaybackEvent{
			Action:   domain.PlaybackAction(doc.Action),
			Video:    domain.StreamID(doc.Video),
			Position: doc.Position,
			Actor:    doc.Actor,
			At:       time.UnixMilli(doc.At).UTC(),
		})
	}
	return events, nil
}
