package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

const paymentsCollection = "payments"

// liveStatuses are the statuses under which a payment keeps its idempotency
// key reserved. Failed and expired payments drop out of the unique index so
// the same key can create a fresh payment.
var liveStatuses = []string{
	string(models.StatusCreated),
	string(models.StatusAwaitingSignature),
	string(models.StatusSubmitted),
	string(models.StatusConfirmed),
}

// MongoStore is the MongoDB-backed PaymentStore.
type MongoStore struct {
	payments *mongo.Collection
}

// NewMongoStore wires the payments collection and ensures its indexes.
func NewMongoStore(ctx context.Context, database *mongo.Database) (*MongoStore, error) {
	coll := database.Collection(paymentsCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"idempotency_key": bson.M{"$exists": true},
					"status":          bson.M{"$in": liveStatuses},
				}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create payment indexes: %w", err)
	}
	return &MongoStore{payments: coll}, nil
}

func (s *MongoStore) Create(ctx context.Context, p *models.Payment) error {
	_, err := s.payments.InsertOne(ctx, p)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateID
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.payments.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find payment %s: %w", id, err)
	}
	return &p, nil
}

func (s *MongoStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	filter := bson.M{
		"idempotency_key": key,
		"status":          bson.M{"$in": liveStatuses},
	}
	var p models.Payment
	err := s.payments.FindOne(ctx, filter).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find payment by idempotency key: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) CompareAndSet(ctx context.Context, id string, expected models.Status, p *models.Payment) (bool, error) {
	filter := bson.M{"_id": id, "status": string(expected)}
	res, err := s.payments.ReplaceOne(ctx, filter, p)
	if err != nil {
		return false, fmt.Errorf("replace payment %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a lost CAS race from a missing record.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Payment, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	cursor, err := s.payments.Find(ctx, bson.M{"status": bson.M{"$in": vals}})
	if err != nil {
		return nil, fmt.Errorf("list payments by status: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.Payment
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode payments: %w", err)
	}
	return out, nil
}
