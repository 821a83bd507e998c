// Package account is the gateway between the plate server and the persistent
// account store. Backends only move field mappings around; Gateway turns them
// into models.User values and classifies failures.
package account

import (
	"context"
	"errors"
	"fmt"

	"evermeet/models"
)

var (
	ErrNotFound         = errors.New("user not found")
	ErrStoreUnavailable = errors.New("account store unavailable")
)

// Fields is the raw field mapping persisted per user.
type Fields map[string]string

// Store is the contract the server depends on.
type Store interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	Put(ctx context.Context, user *models.User) error
}

// Backend persists field mappings keyed by user id.
//
// Fetch must return ErrNotFound when nothing is stored for id. Any other
// failure is reported by Gateway as ErrStoreUnavailable.
type Backend interface {
	Fetch(ctx context.Context, id int64) (Fields, error)
	Save(ctx context.Context, id int64, fields Fields) error
	Ping(ctx context.Context) error
	Close() error
}

// Gateway implements Store on top of a Backend.
type Gateway struct {
	backend Backend
}

func NewGateway(backend Backend) *Gateway {
	return &Gateway{backend: backend}
}

func (g *Gateway) Get(ctx context.Context, id int64) (*models.User, error) {
	fields, err := g.backend.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get user %d: %w", id, ErrNotFound)
		}
		return nil, unavailable("get", id, err)
	}

	user, err := models.UserFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	if user.ID != id {
		return nil, fmt.Errorf("get user %d: %w: stored user_id %d", id, models.ErrMalformedRecord, user.ID)
	}
	return user, nil
}

func (g *Gateway) Put(ctx context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("put user: %w: nil user", models.ErrMalformedRecord)
	}
	if err := g.backend.Save(ctx, user.ID, user.Fields()); err != nil {
		return unavailable("put", user.ID, err)
	}
	return nil
}

// Ping checks that the backend is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.backend.Close()
}

func unavailable(op string, id int64, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s user %d: %w", op, id, err)
	}
	return fmt.Errorf("%s user %d: %w: %v", op, id, ErrStoreUnavailable, err)
}
