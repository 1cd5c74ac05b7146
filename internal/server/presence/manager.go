// Package presence tracks, per document room, the set of connected
// participants: join/leave, cursor and heartbeat updates, stale-participant
// eviction and grace-period room cleanup. It owns every Participant record
// exclusively; callers only ever see copies.
package presence

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/avolkov/coedit/internal/models"
)

// Палитра цветов участников (читаемые на тёмном фоне), как в клиенте.
var palette = []string{
	"#3b82f6", "#22c55e", "#eab308", "#ef4444", "#a855f7",
	"#ec4899", "#06b6d4", "#f97316", "#84cc16", "#6366f1",
}

// Config holds the presence timing knobs.
type Config struct {
	// HeartbeatTimeout — сколько можно молчать до эвикции.
	HeartbeatTimeout time.Duration
	// SweepInterval — период фоновой проверки.
	SweepInterval time.Duration
	// RoomGracePeriod — сколько пустая комната живёт до удаления, чтобы
	// быстрый leave/rejoin не пересоздавал её состояние.
	RoomGracePeriod time.Duration
}

// DefaultConfig mirrors the protocol's historical constants.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    15 * time.Second,
		RoomGracePeriod:  60 * time.Second,
	}
}

type room struct {
	participants map[string]*models.Participant
	createdAt    time.Time
	emptySince   time.Time // zero пока в комнате кто-то есть
}

// EvictFunc is called for every participant removed by the stale sweep, so
// the transport can broadcast user-left{reason:"timeout"} exactly once.
type EvictFunc func(documentID string, participant models.Participant)

// Manager is the in-process session/presence state machine. An optional
// Store mirrors membership for multi-process deployments; the manager works
// unchanged when it is nil or unavailable.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	store   Store
	onEvict EvictFunc

	// now подменяется в тестах.
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

// Option configures the Manager.
type Option func(*Manager)

// WithStore attaches a cross-process presence mirror.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithEvictFunc sets the stale-eviction callback.
func WithEvictFunc(fn EvictFunc) Option {
	return func(m *Manager) { m.onEvict = fn }
}

// withClock подменяет источник времени (для тестов).
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a presence manager.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEvictFunc sets the stale-eviction callback after construction. The hub
// and the manager reference each other, so one of them has to be wired late.
func (m *Manager) SetEvictFunc(fn EvictFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Join adds the participant to the document room, creating the room lazily,
// and returns a copy of the stored record (with the assigned color and the
// initial cursor) plus copies of everyone already present.
func (m *Manager) Join(ctx context.Context, documentID, userID, name string) (models.Participant, []models.Participant) {
	now := m.now()

	m.mu.Lock()
	rm, ok := m.rooms[documentID]
	if !ok {
		rm = &room{participants: make(map[string]*models.Participant), createdAt: now}
		m.rooms[documentID] = rm
		m.logger.Info("room created", "document_id", documentID)
	}
	rm.emptySince = time.Time{}

	p := &models.Participant{
		ID:       userID,
		Name:     name,
		Color:    m.pickColor(rm),
		Cursor:   models.Position{Line: 1, Column: 1},
		JoinedAt: now,
		LastSeen: now,
	}
	rm.participants[userID] = p

	others := make([]models.Participant, 0, len(rm.participants)-1)
	for id, other := range rm.participants {
		if id != userID {
			others = append(others, *other.Clone())
		}
	}
	joined := *p.Clone()
	total := len(rm.participants)
	m.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i].JoinedAt.Before(others[j].JoinedAt) })

	m.logger.Info("participant joined", "document_id", documentID, "user_id", userID, "name", name, "total", total)

	if m.store != nil {
		// Зеркалирование best effort: отказ внешнего стора не влияет на
		// локальное состояние.
		if err := m.store.Add(ctx, documentID, joined); err != nil {
			m.logger.Warn("presence store add failed", "document_id", documentID, "error", err)
		}
	}

	return joined, others
}

// pickColor round-robins through the palette avoiding colors already in the
// room, falling back to random once the palette is exhausted.
func (m *Manager) pickColor(rm *room) string {
	used := make(map[string]bool, len(rm.participants))
	for _, p := range rm.participants {
		used[p.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[rand.Intn(len(palette))]
}

// Leave removes the participant immediately. reason describes the
// transport-level cause ("leave", "disconnect"). Returns the removed record
// and false if the participant was not in the room.
func (m *Manager) Leave(ctx context.Context, documentID, userID, reason string) (models.Participant, bool) {
	m.mu.Lock()
	rm, ok := m.rooms[documentID]
	if !ok {
		m.mu.Unlock()
		return models.Participant{}, false
	}
	p, ok := rm.participants[userID]
	if !ok {
		m.mu.Unlock()
		return models.Participant{}, false
	}
	delete(rm.participants, userID)
	if len(rm.participants) == 0 {
		rm.emptySince = m.now()
	}
	removed := *p.Clone()
	remaining := len(rm.participants)
	m.mu.Unlock()

	m.logger.Info("participant left",
		"document_id", documentID, "user_id", userID, "reason", reason, "remaining", remaining)

	if m.store != nil {
		if err := m.store.Remove(ctx, documentID, userID); err != nil {
			m.logger.Warn("presence store remove failed", "document_id", documentID, "error", err)
		}
	}

	return removed, true
}

// Heartbeat refreshes lastSeen and optionally the cursor/selection.
// Returns false if the participant is not in the room.
func (m *Manager) Heartbeat(ctx context.Context, documentID, userID string, cursor *models.Position, selection *models.Selection) bool {
	now := m.now()

	m.mu.Lock()
	rm, ok := m.rooms[documentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	p, ok := rm.participants[userID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	p.LastSeen = now
	if cursor != nil {
		p.Cursor = *cursor
	}
	if selection != nil {
		sel := *selection
		p.Selection = &sel
	}
	updated := *p.Clone()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Heartbeat(ctx, documentID, updated); err != nil {
			m.logger.Warn("presence store heartbeat failed", "document_id", documentID, "error", err)
		}
	}
	return true
}

// IsMember reports whether the user is currently in the document room.
func (m *Manager) IsMember(documentID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[documentID]
	if !ok {
		return false
	}
	_, ok = rm.participants[userID]
	return ok
}

// Participants returns copies of everyone in the room, ordered by join time.
func (m *Manager) Participants(documentID string) []models.Participant {
	m.mu.Lock()
	rm, ok := m.rooms[documentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	out := make([]models.Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		out = append(out, *p.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Sweep evicts every participant whose lastSeen is older than the heartbeat
// timeout and deletes rooms that have been empty past the grace period. Each
// eviction fires the callback exactly once.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	type eviction struct {
		documentID  string
		participant models.Participant
	}
	var evicted []eviction

	m.mu.Lock()
	for documentID, rm := range m.rooms {
		for userID, p := range rm.participants {
			if now.Sub(p.LastSeen) > m.cfg.HeartbeatTimeout {
				delete(rm.participants, userID)
				evicted = append(evicted, eviction{documentID, *p.Clone()})
			}
		}
		if len(rm.participants) == 0 {
			if rm.emptySince.IsZero() {
				rm.emptySince = now
			} else if now.Sub(rm.emptySince) > m.cfg.RoomGracePeriod {
				delete(m.rooms, documentID)
				m.logger.Info("empty room removed", "document_id", documentID)
			}
		}
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	for _, ev := range evicted {
		m.logger.Info("participant evicted",
			"document_id", ev.documentID, "user_id", ev.participant.ID, "reason", "timeout")
		if m.store != nil {
			if err := m.store.Remove(ctx, ev.documentID, ev.participant.ID); err != nil {
				m.logger.Warn("presence store remove failed", "document_id", ev.documentID, "error", err)
			}
		}
		if onEvict != nil {
			onEvict(ev.documentID, ev.participant)
		}
	}
}

// Run запускает фоновую проверку до отмены контекста. Проверка идёт
// независимо от того, редактирует ли кто-нибудь документ.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
