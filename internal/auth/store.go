package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UserStore persists accounts. Get and FindByEmail return ErrNotFound for
// missing rows; Create returns ErrConflict for a duplicate email.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateRole(ctx context.Context, userID string, role Role) error
	UpdateStatus(ctx context.Context, userID string, status Status) error
	UpdatePermissions(ctx context.Context, userID string, perms []string) error
}

// MemoryUserStore keeps accounts in process memory.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
	now     func() time.Time
}

// NewMemoryUserStore returns an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryUserStore) Create(_ context.Context, u *User) error {
	if u == nil || u.ID == "" {
		return ErrInvalidInput
	}
	email := NormalizeEmail(u.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byEmail[email]; ok {
		return ErrConflict
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Email = email
	stored := *u
	stored.Permissions = append([]string(nil), u.Permissions...)
	s.byID[u.ID] = stored
	s.byEmail[email] = u.ID
	return nil
}

func (s *MemoryUserStore) Get(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Permissions = append([]string(nil), u.Permissions...)
	return u, nil
}

func (s *MemoryUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return s.update(userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (s *MemoryUserStore) UpdateRole(_ context.Context, userID string, role Role) error {
	return s.update(userID, func(u *User) { u.Role = role })
}

func (s *MemoryUserStore) UpdateStatus(_ context.Context, userID string, status Status) error {
	return s.update(userID, func(u *User) { u.Status = status })
}

func (s *MemoryUserStore) UpdatePermissions(_ context.Context, userID string, perms []string) error {
	sorted := dedupe(perms)
	sort.Strings(sorted)
	return s.update(userID, func(u *User) { u.Permissions = sorted })
}

func (s *MemoryUserStore) update(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = s.now().UTC()
	s.byID[id] = u
	return nil
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
