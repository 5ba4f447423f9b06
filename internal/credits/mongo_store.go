package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/feedbackloop/creditmeter/internal/plan"
)

// CollectionLedgers is the Mongo collection holding one document per tenant.
const CollectionLedgers = "credit_ledgers"

// MongoStore keeps ledgers as documents keyed by tenant id. Counter updates
// use a filtered $inc so the check and the write are one server operation.
type MongoStore struct {
	col *mongo.Collection
}

// NewMongoStore creates a ledger store on db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection(CollectionLedgers)}
}

// Migrate creates the session lookup index.
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "payment_session_id", Value: 1}},
		Options: options.Index().SetSparse(true),
	})
	if err != nil {
		return fmt.Errorf("credits/mongo: migrate indexes: %w", err)
	}
	return nil
}

type ledgerDoc struct {
	TenantID         string    `bson:"_id"`
	PlanID           string    `bson:"plan_id"`
	PlanName         string    `bson:"plan_name"`
	SMSCredits       int       `bson:"sms_credits"`
	RemainingCredits int       `bson:"remaining_credits"`
	Status           string    `bson:"status"`
	StartDate        time.Time `bson:"start_date,omitempty"`
	EndDate          time.Time `bson:"end_date,omitempty"`
	PaymentSessionID string    `bson:"payment_session_id,omitempty"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func toDoc(l *Ledger) ledgerDoc {
	return ledgerDoc{
		TenantID:         l.TenantID,
		PlanID:           string(l.PlanID),
		PlanName:         l.PlanName,
		SMSCredits:       l.SMSCredits,
		RemainingCredits: l.RemainingCredits,
		Status:           string(l.Status),
		StartDate:        l.StartDate,
		EndDate:          l.EndDate,
		PaymentSessionID: l.PaymentSessionID,
		UpdatedAt:        l.UpdatedAt,
	}
}

func (d *ledgerDoc) ledger() *Ledger {
	return &Ledger{
		TenantID:         d.TenantID,
		PlanID:           plan.ID(d.PlanID),
		PlanName:         d.PlanName,
		SMSCredits:       d.SMSCredits,
		RemainingCredits: d.RemainingCredits,
		Status:           Status(d.Status),
		StartDate:        d.StartDate,
		EndDate:          d.EndDate,
		PaymentSessionID: d.PaymentSessionID,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (s *MongoStore) Get(ctx context.Context, tenantID string) (*Ledger, error) {
	var d ledgerDoc
	err := s.col.FindOne(ctx, bson.M{"_id": tenantID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: get ledger: %w", err)
	}
	return d.ledger(), nil
}

func (s *MongoStore) Put(ctx context.Context, l *Ledger) error {
	_, err := s.col.ReplaceOne(ctx, bson.M{"_id": l.TenantID}, toDoc(l), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("credits/mongo: put ledger: %w", err)
	}
	return nil
}

func (s *MongoStore) DecrementOne(ctx context.Context, tenantID string) (int, error) {
	return s.step(ctx, tenantID,
		bson.M{"_id": tenantID, "remaining_credits": bson.M{"$gt": 0}},
		-1, ErrNoCredits)
}

func (s *MongoStore) IncrementOne(ctx context.Context, tenantID string) (int, error) {
	return s.step(ctx, tenantID,
		bson.M{"_id": tenantID, "$expr": bson.M{"$lt": bson.A{"$remaining_credits", "$sms_credits"}}},
		1, ErrLedgerFull)
}

// step applies a filtered $inc and returns the post-update counter.
func (s *MongoStore) step(ctx context.Context, tenantID string, filter bson.M, delta int, refused error) (int, error) {
	update := bson.M{
		"$inc": bson.M{"remaining_credits": delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	var d ledgerDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.col.CountDocuments(ctx, bson.M{"_id": tenantID})
		if cerr != nil {
			return 0, fmt.Errorf("credits/mongo: check ledger: %w", cerr)
		}
		if n == 0 {
			return 0, ErrNotFound
		}
		return 0, refused
	}
	if err != nil {
		return 0, fmt.Errorf("credits/mongo: update counter: %w", err)
	}
	return d.RemainingCredits, nil
}

var _ Store = (*MongoStore)(nil)
