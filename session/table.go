// Package session holds the in-memory table of plate sessions.
//
// The table index is guarded by one RWMutex that is only held to look up,
// insert or evict entries. Each entry has its own mutex, so updates to
// different plates never wait for each other.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"evermeet/models"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrTableFull      = errors.New("session table full")
)

const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

type Config struct {
	// TTL is how long a session may stay idle before it is evicted.
	// Zero means DefaultTTL, a negative value disables eviction.
	TTL           time.Duration
	SweepInterval time.Duration
	// MaxSessions caps the number of live sessions, 0 for no cap.
	MaxSessions int
	// OnEvict is called after each sweep that removed at least one session.
	OnEvict func(n int)
}

type entry struct {
	mu      sync.Mutex
	sess    models.Session
	evicted bool
}

type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewTable(cfg Config, logger *slog.Logger) *Table {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (t *Table) lookup(plateID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[plateID]
	return e, ok
}

// GetOrCreate returns a copy of the session for plateID, inserting an empty
// one first if the plate has not been seen. It counts as activity.
func (t *Table) GetOrCreate(plateID string) (models.Session, error) {
	for {
		e, ok := t.lookup(plateID)
		if !ok {
			var err error
			if e, err = t.insert(plateID); err != nil {
				return models.Session{}, err
			}
		}

		e.mu.Lock()
		if e.evicted {
			// Swept between lookup and lock; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		e.sess.LastSeen = t.now()
		sess := e.sess.Clone()
		e.mu.Unlock()
		return sess, nil
	}
}

func (t *Table) insert(plateID string) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[plateID]; ok {
		return e, nil
	}
	if t.cfg.MaxSessions > 0 && len(t.entries) >= t.cfg.MaxSessions {
		return nil, ErrTableFull
	}

	now := t.now()
	e := &entry{sess: models.Session{PlateID: plateID, CreatedAt: now, LastSeen: now}}
	t.entries[plateID] = e
	t.logger.Debug("Session created", slog.String("plate_id", plateID))
	return e, nil
}

// Update applies fn to the session of plateID while holding that session's
// lock. fn works on a copy: if it returns an error nothing is committed.
// PlateID and CreatedAt cannot be changed by fn.
func (t *Table) Update(plateID string, fn func(*models.Session) error) (models.Session, error) {
	e, ok := t.lookup(plateID)
	if !ok {
		return models.Session{}, ErrUnknownSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.Session{}, ErrUnknownSession
	}

	work := e.sess.Clone()
	if err := fn(&work); err != nil {
		return models.Session{}, err
	}
	work.PlateID = e.sess.PlateID
	work.CreatedAt = e.sess.CreatedAt
	work.LastSeen = t.now()
	e.sess = work

	return work.Clone(), nil
}

// Get returns a copy of the session without touching its activity time.
func (t *Table) Get(plateID string) (models.Session, bool) {
	e, ok := t.lookup(plateID)
	if !ok {
		return models.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.Session{}, false
	}
	return e.sess.Clone(), true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns copies of all live sessions ordered by plate id.
func (t *Table) Snapshot() []models.Session {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sessions := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.evicted {
			sessions = append(sessions, e.sess.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PlateID < sessions[j].PlateID })
	return sessions
}

// Sweep evicts sessions idle for longer than the TTL and returns how many were removed.
func (t *Table) Sweep(now time.Time) int {
	if t.cfg.TTL < 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for plateID, e := range t.entries {
		e.mu.Lock()
		if now.Sub(e.sess.LastSeen) > t.cfg.TTL {
			e.evicted = true
			delete(t.entries, plateID)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Run sweeps the table every SweepInterval until ctx is done.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	t.logger.Info("Session sweeper started",
		slog.Duration("ttl", t.cfg.TTL),
		slog.Duration("interval", t.cfg.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Session sweeper stopping")
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.logger.Info("Expired sessions evicted",
					slog.Int("evicted", n),
					slog.Int("remaining", t.Len()),
				)
				if t.cfg.OnEvict != nil {
					t.cfg.OnEvict(n)
				}
			}
		}
	}
}
