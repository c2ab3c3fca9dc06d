package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each session as one document. The generation trigger is a
// sub-document that only the claim/finish paths touch.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri. dbName defaults to "coachd" and the
// collection is always "collection_sessions".
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "coachd"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(dbName).Collection("collection_sessions")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "userId", Value: 1},
			{Key: "coachId", Value: 1},
			{Key: "lastActivity", Value: -1},
		},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create session index: %w", err)
	}
	return &MongoStore{client: client, coll: coll}, nil
}

func (s *MongoStore) Load(ctx context.Context, userID, sessionID string) (*Session, error) {
	var sess Session
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID, "userId": userID}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

func (s *MongoStore) FindActive(ctx context.Context, userID, coachID string) (*Session, error) {
	var sess Session
	opts := options.FindOne().SetSort(bson.D{{Key: "lastActivity", Value: -1}})
	err := s.coll.FindOne(ctx,
		bson.M{"userId": userID, "coachId": coachID, "isDeleted": false},
		opts,
	).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &sess, nil
}

func (s *MongoStore) Save(ctx context.Context, sess *Session) error {
	body := sess.Clone()
	body.Generation = nil
	raw, err := bson.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	delete(fields, "_id")

	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": sess.ID},
		bson.M{"$set": fields},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *MongoStore) ClaimGeneration(ctx context.Context, sessionID string, allowRetry bool) (ClaimResult, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"_id": sessionID,
		"$or": []bson.M{
			{"generation": nil},
			{"generation.status": bson.M{"$in": claimableStatuses(allowRetry)}},
		},
	}
	update := bson.M{"$set": bson.M{"generation": GenerationTrigger{
		Status:      GenerationInProgress,
		RequestedAt: now,
		UpdatedAt:   now,
	}}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim generation: %w", err)
	}
	if res.MatchedCount == 1 {
		return ClaimResult{Claimed: true, Status: GenerationInProgress}, nil
	}

	var doc struct {
		Generation *GenerationTrigger `bson:"generation"`
	}
	err = s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ClaimResult{}, ErrNotFound
		}
		return ClaimResult{}, fmt.Errorf("read generation status: %w", err)
	}
	out := ClaimResult{Status: GenerationNotStarted}
	if doc.Generation != nil {
		out.Status = doc.Generation.Status
		out.JobID = doc.Generation.JobID
	}
	return out, nil
}

func (s *MongoStore) FinishGeneration(ctx context.Context, sessionID string, status GenerationStatus, jobID, errMsg string) error {
	set := bson.M{
		"generation.status":    status,
		"generation.error":     errMsg,
		"generation.updatedAt": time.Now().UTC(),
	}
	if jobID != "" {
		set["generation.jobId"] = jobID
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Mode() string { return "mongo" }

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
