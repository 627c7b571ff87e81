// Package schedule persists the cron-style scheduler's ordered mapping from
// schedule id to run configuration and run history (spec §6: "Schedule
// store: ordered mapping from schedule id to {cron, taskDescription,
// budgetPreset, enabled, runCount, totalEnergyWh, totalCarbonGrams,
// lastRunAt, lastRunStatus}"). Grounded on the teacher's features/run/mongo
// store.go delegation-to-client idiom, generalized to mongo-driver/v2 and to
// the schedule entity instead of run.Record.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultCollection = "schedules"
	defaultTimeout    = 5 * time.Second
)

// Schedule is one recurring task configuration and its run history.
type Schedule struct {
	ID               string     `bson:"_id"`
	Cron             string     `bson:"cron"`
	TaskDescription  string     `bson:"task_description"`
	BudgetPreset     string     `bson:"budget_preset"`
	Enabled          bool       `bson:"enabled"`
	RunCount         int64      `bson:"run_count"`
	TotalEnergyWh    float64    `bson:"total_energy_wh"`
	TotalCarbonGrams float64    `bson:"total_carbon_grams"`
	LastRunAt        *time.Time `bson:"last_run_at,omitempty"`
	LastRunStatus    string     `bson:"last_run_status,omitempty"`
}

// ErrNotFound indicates no schedule exists for the requested id.
var ErrNotFound = errors.New("schedule: not found")

// Options configures Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists Schedule documents in Mongo, ordered by insertion (_id).
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("schedule: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("schedule: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	return &Store{coll: coll, timeout: timeout}, nil
}

// Upsert inserts or replaces a schedule, keyed by ID.
func (s *Store) Upsert(ctx context.Context, sch Schedule) error {
	if sch.ID == "" {
		return errors.New("schedule: id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": sch.ID},
		bson.M{"$set": sch},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("schedule: upsert %q: %w", sch.ID, err)
	}
	return nil
}

// Load fetches a schedule by id.
func (s *Store) Load(ctx context.Context, id string) (Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var sch Schedule
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&sch); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return Schedule{}, ErrNotFound
		}
		return Schedule{}, fmt.Errorf("schedule: load %q: %w", id, err)
	}
	return sch, nil
}

// Delete removes a schedule by id. Deleting a non-existent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("schedule: delete %q: %w", id, err)
	}
	return nil
}

// List returns every schedule ordered by insertion order (natural _id order
// for string ids assigned monotonically by the caller).
func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("schedule: list: %w", err)
	}
	defer cur.Close(ctx)
	var out []Schedule
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("schedule: decode list: %w", err)
	}
	return out, nil
}

// RecordRun updates run history fields after a scheduled task execution.
func (s *Store) RecordRun(ctx context.Context, id string, at time.Time, status string, energyWh, carbonGrams float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"last_run_at": at, "last_run_status": status},
			"$inc": bson.M{
				"run_count":          int64(1),
				"total_energy_wh":    energyWh,
				"total_carbon_grams": carbonGrams,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("schedule: record run %q: %w", id, err)
	}
	return nil
}
