// Package plate turns decoded plate messages into session updates and replies.
package plate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"evermeet/account"
	"evermeet/models"
	"evermeet/protocol"
	"evermeet/session"
)

var ErrUnauthorized = errors.New("invalid credentials")

// Service is the message handler given to the server.
type Service struct {
	table  *session.Table
	store  account.Store
	logger *slog.Logger

	regMu    sync.Mutex
	regLocks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(table *session.Table, store account.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		table:    table,
		store:    store,
		logger:   logger,
		regLocks: make(map[int64]*userLock),
	}
}

// lockUser serializes registrations of one user id and returns the unlock func.
func (s *Service) lockUser(id int64) func() {
	s.regMu.Lock()
	l, ok := s.regLocks[id]
	if !ok {
		l = &userLock{}
		s.regLocks[id] = l
	}
	l.refs++
	s.regMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.regMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.regLocks, id)
		}
		s.regMu.Unlock()
	}
}

// HandleMessage runs one message against the session table and the account store.
//
// The plate's session is opened before the user is looked up, so a plate that
// talks to the server always has a session even if its user is rejected.
// Levels are only recorded once the user is authenticated.
func (s *Service) HandleMessage(ctx context.Context, msg *protocol.Message) (*models.Reply, error) {
	if _, err := s.table.GetOrCreate(msg.PlateID); err != nil {
		return nil, fmt.Errorf("open session %s: %w", msg.PlateID, err)
	}

	var (
		user *models.User
		err  error
	)
	if msg.Action == protocol.ActionRegister {
		user, err = s.register(ctx, msg)
	} else {
		user, err = s.store.Get(ctx, msg.UserID)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if user.Password != msg.UserPassword {
		return nil, fmt.Errorf("user %d: %w", msg.UserID, ErrUnauthorized)
	}

	sess, err := s.record(msg)
	if err != nil {
		return nil, err
	}

	return &models.Reply{Session: sess, User: user}, nil
}

// register creates or overwrites the user carried by msg. An existing user
// can only be overwritten with its own password. Registrations of the same id
// run one at a time so the check and the write cannot interleave.
func (s *Service) register(ctx context.Context, msg *protocol.Message) (*models.User, error) {
	unlock := s.lockUser(msg.UserID)
	defer unlock()

	existing, err := s.store.Get(ctx, msg.UserID)
	switch {
	case err == nil:
		if existing.Password != msg.UserPassword {
			return nil, fmt.Errorf("register user %d: %w", msg.UserID, ErrUnauthorized)
		}
	case errors.Is(err, account.ErrNotFound), errors.Is(err, models.ErrMalformedRecord):
		// Free id, or a corrupt record being repaired.
	default:
		return nil, err
	}

	friends := msg.Friends
	if friends == nil {
		friends = []int64{}
	}
	user := &models.User{
		ID:       msg.UserID,
		Name:     msg.UserName,
		Password: msg.UserPassword,
		Friends:  friends,
	}
	if err := s.store.Put(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User registered",
		slog.Int64("user_id", user.ID),
		slog.String("plate_id", msg.PlateID),
		slog.Int("friends", len(user.Friends)),
	)
	return user, nil
}

func (s *Service) record(msg *protocol.Message) (models.Session, error) {
	apply := func(sess *models.Session) error {
		if sess.HasUser && sess.UserID != msg.UserID {
			// Another user took over the plate.
			sess.Levels = nil
		}
		sess.HasUser = true
		sess.UserID = msg.UserID
		sess.UserPassword = msg.UserPassword
		if msg.Level != nil {
			sess.Levels = append(sess.Levels, *msg.Level)
		}
		return nil
	}

	sess, err := s.table.Update(msg.PlateID, apply)
	if errors.Is(err, session.ErrUnknownSession) {
		// Evicted while the store was queried.
		if _, err = s.table.GetOrCreate(msg.PlateID); err != nil {
			return models.Session{}, fmt.Errorf("reopen session %s: %w", msg.PlateID, err)
		}
		sess, err = s.table.Update(msg.PlateID, apply)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("update session %s: %w", msg.PlateID, err)
	}
	return sess, nil
}
