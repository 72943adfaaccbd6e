package checklock

import (
	"context"
	"sync"
	"time"

	"github.com/tablemesh/pos-core/internal/models"
)

// MemoryLockStore is the single-terminal lock table used in local-only and
// isolated modes, where lock sharing is intentionally suspended rather than
// attempted without a quorum. Also the test double for the Redis store.
type MemoryLockStore struct {
	mu       sync.Mutex
	locks    map[string]models.CheckLock
	presence map[string]time.Time
	audits   []AuditEntry
	now      func() time.Time
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{
		locks:    map[string]models.CheckLock{},
		presence: map[string]time.Time{},
		now:      time.Now,
	}
}

func (s *MemoryLockStore) Get(ctx context.Context, checkID string) (*models.CheckLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[checkID]; ok {
		cp := l
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryLockStore) TryAcquire(ctx context.Context, checkID string, lock models.CheckLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[checkID]; held {
		return false, nil
	}
	s.locks[checkID] = lock
	return true, nil
}

func (s *MemoryLockStore) Transfer(ctx context.Context, checkID, expectedHolder string, lock models.CheckLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.locks[checkID]
	if !held || cur.HolderID != expectedHolder {
		return false, nil
	}
	s.locks[checkID] = lock
	return true, nil
}

func (s *MemoryLockStore) Release(ctx context.Context, checkID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.locks[checkID]; held && cur.HolderID == holderID {
		delete(s.locks, checkID)
	}
	return nil
}

func (s *MemoryLockStore) Heartbeat(ctx context.Context, terminalID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[terminalID] = s.now().Add(ttl)
	return nil
}

func (s *MemoryLockStore) TerminalAlive(ctx context.Context, terminalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.presence[terminalID]
	return ok && s.now().Before(deadline), nil
}

func (s *MemoryLockStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// Audits returns a copy of the recorded audit trail.
func (s *MemoryLockStore) Audits() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audits...)
}
