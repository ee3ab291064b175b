package auth

import (
	"sort"
	"strings"
	"time"
)

// Role is a privilege tier. Its ordering lives in a Model, not in the value.
type Role string

const (
	RoleGuest      Role = "guest"
	RoleUser       Role = "user"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// AccountLevel is a plan or tier. Levels are compared for equality only.
type AccountLevel string

const (
	LevelBasic   AccountLevel = "basic"
	LevelPremium AccountLevel = "premium"
	LevelSeller  AccountLevel = "seller"
)

// AccountLevels lists every level the service knows about.
var AccountLevels = []AccountLevel{LevelBasic, LevelPremium, LevelSeller}

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ParseStatus normalizes s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive, StatusSuspended:
		return st, true
	default:
		return "", false
	}
}

// ParseAccountLevel normalizes s and reports whether it names a known level.
func ParseAccountLevel(s string) (AccountLevel, bool) {
	lvl := AccountLevel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AccountLevels {
		if lvl == known {
			return lvl, true
		}
	}
	return "", false
}

// User is a persisted account.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Name         string       `json:"name"`
	PasswordHash string       `json:"-"`
	Role         Role         `json:"role"`
	AccountLevel AccountLevel `json:"account_level"`
	Status       Status       `json:"status"`
	Permissions  []string     `json:"permissions,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Identity is the verified principal of one request. Values are only built by
// the session resolver from a credential that passed verification, so holding
// an Identity always means the request is authenticated.
type Identity struct {
	id          string
	email       string
	name        string
	role        Role
	level       AccountLevel
	status      Status
	permissions map[string]struct{}
	issuedAt    time.Time
	expiresAt   time.Time
}

func (i *Identity) ID() string                 { return i.id }
func (i *Identity) Email() string              { return i.email }
func (i *Identity) Name() string               { return i.name }
func (i *Identity) Role() Role                 { return i.role }
func (i *Identity) AccountLevel() AccountLevel { return i.level }
func (i *Identity) Status() Status             { return i.status }
func (i *Identity) IssuedAt() time.Time        { return i.issuedAt }
func (i *Identity) ExpiresAt() time.Time       { return i.expiresAt }

// HasPermission reports whether the identity holds the permission key.
func (i *Identity) HasPermission(key string) bool {
	_, ok := i.permissions[key]
	return ok
}

// Permissions returns the sorted permission keys.
func (i *Identity) Permissions() []string {
	out := make([]string, 0, len(i.permissions))
	for k := range i.permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IdentityView is the JSON shape of an identity returned to its owner.
type IdentityView struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Name         string       `json:"name,omitempty"`
	Role         Role         `json:"role"`
	AccountLevel AccountLevel `json:"account_level"`
	Status       Status       `json:"status"`
	Permissions  []string     `json:"permissions"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// View renders the identity for API responses.
func (i *Identity) View() IdentityView {
	return IdentityView{
		ID:           i.id,
		Email:        i.email,
		Name:         i.name,
		Role:         i.role,
		AccountLevel: i.level,
		Status:       i.status,
		Permissions:  i.Permissions(),
		ExpiresAt:    i.expiresAt,
	}
}
