package relay

import (
	"sync"
	"time"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Registry хранит все живые сессии relay.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // clientID -> session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add регистрирует аутентифицированную сессию.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ClientID] = s
}

// Remove снимает сессию с учета. Идемпотентен.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// Get находит сессию по clientID.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Count возвращает число живых сессий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List возвращает снимки сессий (для наблюдаемости).
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Idle возвращает копию списка сессий, молчащих дольше max.
// Копия нужна, чтобы закрытие не держало блокировку реестра.
func (r *Registry) Idle(now time.Time, max time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*Session
	for _, s := range r.sessions {
		if s.idleFor(now) >= max {
			idle = append(idle, s)
		}
	}
	return idle
}
