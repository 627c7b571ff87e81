// Package tracestore persists TaskResult (Trace included, verbatim, per spec
// §6: "Trace object persisted verbatim with every TaskResult") in MongoDB.
// Grounded on the teacher's features/run/mongo client.go collection-wrapper
// idiom, generalized to store.mongo-driver/v2 and to the engine's own
// executor.TaskResult shape instead of run.Record.
package tracestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/trace"
)

const (
	defaultCollection = "task_results"
	defaultTimeout    = 5 * time.Second
)

// Options configures Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists executor.TaskResult documents keyed by TaskID.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store and ensures the taskId unique index exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("tracestore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("tracestore: database name is required")
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

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ictx, index); err != nil {
		return nil, fmt.Errorf("tracestore: ensure index: %w", err)
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// resultDocument mirrors executor.TaskResult for Mongo persistence; Trace
// embeds verbatim since trace.Trace already marshals to plain JSON/BSON-safe
// fields (its mutex and clock fields are unexported).
type resultDocument struct {
	TaskID          string                     `bson:"task_id"`
	Status          executor.Status            `bson:"status"`
	Text            string                     `bson:"text"`
	Steps           []executor.StepResult      `bson:"steps"`
	CriteriaResults []executor.CriterionResult `bson:"criteria_results,omitempty"`
	Error           string                     `bson:"error,omitempty"`
	RuleID          string                     `bson:"rule_id,omitempty"`
	Budget          bson.M                     `bson:"budget"`
	Trace           bson.M                     `bson:"trace"`
	StoredAt        time.Time                  `bson:"stored_at"`
}

// Save upserts result keyed by its TaskID.
func (s *Store) Save(ctx context.Context, result executor.TaskResult) error {
	if result.TaskID == "" {
		return errors.New("tracestore: task id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	budgetDoc, err := toBSONMap(result.Budget)
	if err != nil {
		return fmt.Errorf("tracestore: encode budget: %w", err)
	}
	traceDoc, err := toBSONMap(result.Trace)
	if err != nil {
		return fmt.Errorf("tracestore: encode trace: %w", err)
	}
	doc := resultDocument{
		TaskID: result.TaskID, Status: result.Status, Text: result.Text,
		Steps: result.Steps, CriteriaResults: result.CriteriaResults,
		Error: result.Error, RuleID: result.RuleID,
		Budget: budgetDoc, Trace: traceDoc, StoredAt: time.Now().UTC(),
	}
	filter := bson.M{"task_id": result.TaskID}
	update := bson.M{"$set": doc}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("tracestore: save %q: %w", result.TaskID, err)
	}
	return nil
}

// Load retrieves the full TaskResult, including its Trace, for taskID.
func (s *Store) Load(ctx context.Context, taskID string) (executor.TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc resultDocument
	if err := s.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return executor.TaskResult{}, fmt.Errorf("tracestore: %q: %w", taskID, ErrNotFound)
		}
		return executor.TaskResult{}, fmt.Errorf("tracestore: load %q: %w", taskID, err)
	}

	result := executor.TaskResult{
		TaskID: doc.TaskID, Status: doc.Status, Text: doc.Text,
		Steps: doc.Steps, CriteriaResults: doc.CriteriaResults,
		Error: doc.Error, RuleID: doc.RuleID,
	}
	if err := fromBSONMap(doc.Budget, &result.Budget); err != nil {
		return executor.TaskResult{}, fmt.Errorf("tracestore: decode budget: %w", err)
	}
	var tr trace.Trace
	if err := fromBSONMap(doc.Trace, &tr); err != nil {
		return executor.TaskResult{}, fmt.Errorf("tracestore: decode trace: %w", err)
	}
	result.Trace = &tr
	return result, nil
}

// ErrNotFound indicates no TaskResult is stored for the requested id.
var ErrNotFound = errors.New("not found")

// toBSONMap round-trips v through BSON marshal/unmarshal into a generic map,
// the simplest way to embed an arbitrary already-BSON-safe struct (Usage,
// Trace) inside resultDocument without hand-rolling its schema twice.
func toBSONMap(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromBSONMap(m bson.M, out any) error {
	raw, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}
