// Package mongo implements store.Store on MongoDB for deployments that want
// the catalog and call history to survive restarts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
)

// Store is a MongoDB implementation of store.Store. Documents are keyed by
// tenant and record ID so that tenants may reuse IDs.
type Store struct {
	runtimes  *mongo.Collection
	providers *mongo.Collection
	tools     *mongo.Collection
	calls     *mongo.Collection
	skills    *mongo.Collection
	now       func() time.Time
}

type (
	runtimeDoc struct {
		Key           string `bson:"_id"`
		store.Runtime `bson:",inline"`
	}
	providerDoc struct {
		Key                string `bson:"_id"`
		store.ToolProvider `bson:",inline"`
	}
	toolDoc struct {
		Key        string `bson:"_id"`
		store.Tool `bson:",inline"`
	}
	callDoc struct {
		Key            string `bson:"_id"`
		store.ToolCall `bson:",inline"`
	}
	skillDoc struct {
		Key         string `bson:"_id"`
		store.Skill `bson:",inline"`
	}
)

var _ store.Store = (*Store)(nil)

// New returns a Store using db and creates the indexes it relies on.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		runtimes:  db.Collection("runtimes"),
		providers: db.Collection("tool_providers"),
		tools:     db.Collection("tools"),
		calls:     db.Collection("tool_calls"),
		skills:    db.Collection("skills"),
		now:       time.Now,
	}
	indexes := []struct {
		coll   *mongo.Collection
		model  mongo.IndexModel
		reason string
	}{
		{s.skills, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}, "skill name"},
		{s.tools, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "provider_id", Value: 1}},
		}, "tool provider"},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return nil, fmt.Errorf("create %s index: %w", idx.reason, err)
		}
	}
	return s, nil
}

func docKey(tenant, id string) string {
	return tenancy.Escape(tenant) + ":" + tenancy.Escape(id)
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter any) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, sortBy string) ([]T, error) {
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: sortBy, Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []T
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func upsert(ctx context.Context, coll *mongo.Collection, key string, doc any) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) SaveRuntime(ctx context.Context, r *store.Runtime) error {
	if err := upsert(ctx, s.runtimes, docKey(r.Tenant, r.ID), runtimeDoc{Key: docKey(r.Tenant, r.ID), Runtime: *r}); err != nil {
		return fmt.Errorf("save runtime %q: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRuntime(ctx context.Context, tenant, id string) (*store.Runtime, error) {
	doc, err := findOne[runtimeDoc](ctx, s.runtimes, bson.M{"_id": docKey(tenant, id)})
	if err != nil {
		return nil, err
	}
	return &doc.Runtime, nil
}

func (s *Store) ListRuntimes(ctx context.Context, tenant string) ([]*store.Runtime, error) {
	docs, err := findAll[runtimeDoc](ctx, s.runtimes, bson.M{"tenant": tenant}, "id")
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	out := make([]*store.Runtime, len(docs))
	for i := range docs {
		out[i] = &docs[i].Runtime
	}
	return out, nil
}

func (s *Store) SaveProvider(ctx context.Context, p *store.ToolProvider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := upsert(ctx, s.providers, docKey(p.Tenant, p.ID), providerDoc{Key: docKey(p.Tenant, p.ID), ToolProvider: *p}); err != nil {
		return fmt.Errorf("save provider %q: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, tenant, id string) (*store.ToolProvider, error) {
	doc, err := findOne[providerDoc](ctx, s.providers, bson.M{"_id": docKey(tenant, id)})
	if err != nil {
		return nil, err
	}
	return &doc.ToolProvider, nil
}

func (s *Store) ListProviders(ctx context.Context, tenant string) ([]*store.ToolProvider, error) {
	docs, err := findAll[providerDoc](ctx, s.providers, bson.M{"tenant": tenant}, "id")
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]*store.ToolProvider, len(docs))
	for i := range docs {
		out[i] = &docs[i].ToolProvider
	}
	return out, nil
}

func (s *Store) ReconcileTools(ctx context.Context, tenant, providerID string, discovered []*store.Tool) (store.Reconciliation, error) {
	existing, err := s.ListTools(ctx, tenant, providerID)
	if err != nil {
		return store.Reconciliation{}, err
	}
	changed, rec := store.Reconcile(existing, store.Claim(tenant, providerID, discovered), s.now())
	for _, t := range changed {
		if err := upsert(ctx, s.tools, docKey(tenant, t.ID), toolDoc{Key: docKey(tenant, t.ID), Tool: *t}); err != nil {
			return store.Reconciliation{}, fmt.Errorf("save tool %q: %w", t.Name, err)
		}
	}
	return rec, nil
}

func (s *Store) ListTools(ctx context.Context, tenant, providerID string) ([]*store.Tool, error) {
	docs, err := findAll[toolDoc](ctx, s.tools, bson.M{"tenant": tenant, "provider_id": providerID}, "name")
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	out := make([]*store.Tool, len(docs))
	for i := range docs {
		out[i] = &docs[i].Tool
	}
	return out, nil
}

func (s *Store) CreateToolCall(ctx context.Context, c *store.ToolCall) error {
	_, err := s.calls.InsertOne(ctx, callDoc{Key: docKey(c.Tenant, c.ID), ToolCall: *c})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrExists
	}
	if err != nil {
		return fmt.Errorf("create tool call %q: %w", c.ID, err)
	}
	return nil
}

// CompleteToolCall filters on the PENDING status so that the database
// arbitrates concurrent completions.
func (s *Store) CompleteToolCall(ctx context.Context, done *store.ToolCall) error {
	if err := store.ValidateCompletion(done); err != nil {
		return err
	}
	key := docKey(done.Tenant, done.ID)
	set := bson.M{
		"status":       done.Status,
		"completed_at": done.CompletedAt,
	}
	if done.Output != nil {
		set["tool_output"] = done.Output
	}
	if done.Error != nil {
		set["error"] = done.Error
	}
	if done.RuntimeID != "" {
		set["runtime_id"] = done.RuntimeID
	}
	res, err := s.calls.UpdateOne(ctx, bson.M{"_id": key, "status": store.CallPending}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("complete tool call %q: %w", done.ID, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := s.GetToolCall(ctx, done.Tenant, done.ID); err != nil {
		return err
	}
	return store.ErrAlreadyTerminal
}

func (s *Store) GetToolCall(ctx context.Context, tenant, id string) (*store.ToolCall, error) {
	doc, err := findOne[callDoc](ctx, s.calls, bson.M{"_id": docKey(tenant, id)})
	if err != nil {
		return nil, err
	}
	return &doc.ToolCall, nil
}

func (s *Store) CreateSkill(ctx context.Context, sk *store.Skill) (*store.Skill, error) {
	created := *sk
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	_, err := s.skills.InsertOne(ctx, skillDoc{Key: docKey(created.Tenant, created.ID), Skill: created})
	if mongo.IsDuplicateKeyError(err) {
		return s.FindSkill(ctx, created.Tenant, created.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("create skill %q: %w", created.Name, err)
	}
	return &created, nil
}

func (s *Store) GetSkill(ctx context.Context, tenant, id string) (*store.Skill, error) {
	doc, err := findOne[skillDoc](ctx, s.skills, bson.M{"_id": docKey(tenant, id)})
	if err != nil {
		return nil, err
	}
	return &doc.Skill, nil
}

func (s *Store) FindSkill(ctx context.Context, tenant, name string) (*store.Skill, error) {
	doc, err := findOne[skillDoc](ctx, s.skills, bson.M{"tenant": tenant, "name": name})
	if err != nil {
		return nil, err
	}
	return &doc.Skill, nil
}
