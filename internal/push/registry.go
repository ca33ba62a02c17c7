// Package push keeps browser push subscriptions and delivers reminder
// notifications to them.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"todochain/internal/domain"
	"todochain/internal/events"
	"todochain/internal/repo"
)

var ErrInvalidSubscription = errors.New("invalid push subscription")

// Store persists subscriptions keyed by endpoint.
type Store interface {
	List(ctx context.Context) ([]domain.Subscription, error)
	Upsert(ctx context.Context, sub domain.Subscription) error
	RemoveByKey(ctx context.Context, endpoint string) error
}

// RepoStore backs Store with the SQLite repository.
type RepoStore struct {
	Repo repo.Repo
}

func (s RepoStore) List(ctx context.Context) ([]domain.Subscription, error) {
	return s.Repo.ListSubscriptions(ctx)
}

func (s RepoStore) Upsert(ctx context.Context, sub domain.Subscription) error {
	return s.Repo.UpsertSubscription(ctx, sub)
}

func (s RepoStore) RemoveByKey(ctx context.Context, endpoint string) error {
	err := s.Repo.RemoveSubscription(ctx, endpoint)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

const subscriptionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["endpoint", "keys"],
  "properties": {
    "endpoint": {"type": "string", "pattern": "^https?://", "minLength": 10},
    "expirationTime": {"type": ["number", "null"]},
    "keys": {
      "type": "object",
      "required": ["p256dh", "auth"],
      "properties": {
        "p256dh": {"type": "string", "minLength": 1},
        "auth": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// Registry validates and stores subscriptions.
type Registry struct {
	store  Store
	events events.Writer
	schema *jsonschema.Schema

	// mu makes the check-then-insert in Subscribe atomic.
	mu sync.Mutex
}

func NewRegistry(store Store, w events.Writer) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("subscription.json", strings.NewReader(subscriptionSchema)); err != nil {
		return nil, fmt.Errorf("load subscription schema: %w", err)
	}
	schema, err := compiler.Compile("subscription.json")
	if err != nil {
		return nil, fmt.Errorf("compile subscription schema: %w", err)
	}
	return &Registry{store: store, events: w, schema: schema}, nil
}

// Validate decodes raw and checks it against the subscription schema.
func (r *Registry) Validate(raw []byte) (domain.Subscription, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %s", ErrInvalidSubscription, schemaMessage(err))
	}
	var sub domain.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	return sub, nil
}

// Subscribe stores the subscription unless its endpoint is already known.
// It reports whether a new entry was added.
func (r *Registry) Subscribe(ctx context.Context, raw []byte, actorID string) (bool, error) {
	sub, err := r.Validate(raw)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range existing {
		if s.Endpoint == sub.Endpoint {
			return false, nil
		}
	}
	if err := r.store.Upsert(ctx, sub); err != nil {
		return false, err
	}
	_ = r.events.Append(ctx, events.SubscriptionAdded, "subscription", sub.Endpoint, actorID, nil)
	return true, nil
}

func (r *Registry) Unsubscribe(ctx context.Context, endpoint, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.RemoveByKey(ctx, endpoint); err != nil {
		return err
	}
	_ = r.events.Append(ctx, events.SubscriptionRemoved, "subscription", endpoint, actorID, nil)
	return nil
}

func (r *Registry) List(ctx context.Context) ([]domain.Subscription, error) {
	return r.store.List(ctx)
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	collect(ve, &msgs)
	return strings.Join(msgs, "; ")
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}
