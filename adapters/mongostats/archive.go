// Package mongostats persists content-free end-of-session statistics to
// MongoDB. The archive is optional: the relay runs without it and never
// blocks session teardown on a write.
package mongostats

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/domain/entities"
)

// Archive implements repositories.StatsArchiver on a MongoDB collection.
type Archive struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewArchive connects to MongoDB and prepares the session_stats collection.
func NewArchive(ctx context.Context, uri, database string, logger *zap.Logger) (*Archive, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("session stats archive connected", zap.String("database", database))

	return &Archive{
		client:     client,
		collection: client.Database(database).Collection("session_stats"),
		logger:     logger,
	}, nil
}

// Archive stores one session's terminal statistics. The document carries
// identifiers, counters, and durations only — never transcript content.
func (a *Archive) Archive(ctx context.Context, sessionID, userID string, stats entities.SessionStats) error {
	doc := bson.M{
		"session_id":              sessionID,
		"user_id":                 userID,
		"archived_at":             time.Now(),
		"duration_ms":             stats.DurationMs,
		"audio_bytes_sent":        stats.AudioBytesSent,
		"partial_count":           stats.PartialCount,
		"final_count":             stats.FinalCount,
		"final_transcript_length": stats.FinalTranscriptLength,
	}

	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive session stats: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (a *Archive) Close(ctx context.Context) error {
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
