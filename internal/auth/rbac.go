package auth

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// DefaultHierarchy is the role order used when none is configured, lowest first.
var DefaultHierarchy = []Role{RoleGuest, RoleUser, RoleModerator, RoleAdmin}

// DefaultSuperAdmins bypass role, account level and permission checks.
var DefaultSuperAdmins = []Role{RoleSuperAdmin}

// Model is the role hierarchy plus the capability grants attached to roles
// and account levels. It is built once and never mutated, so it is safe for
// concurrent readers without locking.
type Model struct {
	order  []Role
	ranks  map[Role]int
	super  map[Role]struct{}
	grants map[string]map[string]struct{}
}

// ModelOption configures a Model at construction time.
type ModelOption func(*Model) error

// WithGrants attaches capability grants keyed by role or by LevelSubject(level).
func WithGrants(grants map[string][]string) ModelOption {
	return func(m *Model) error {
		for subject, perms := range grants {
			subject = strings.TrimSpace(subject)
			if subject == "" {
				return fmt.Errorf("%w: empty grant subject", ErrInvalidInput)
			}
			set := m.grants[subject]
			if set == nil {
				set = make(map[string]struct{}, len(perms))
				m.grants[subject] = set
			}
			for _, p := range perms {
				if p = strings.TrimSpace(p); p != "" {
					set[p] = struct{}{}
				}
			}
		}
		return nil
	}
}

// NewModel builds a model from a lowest-first role hierarchy and a disjoint
// set of super-admin roles.
func NewModel(hierarchy, superAdmins []Role, opts ...ModelOption) (*Model, error) {
	if len(hierarchy) == 0 {
		return nil, errors.New("auth: role hierarchy is empty")
	}
	m := &Model{
		order:  make([]Role, 0, len(hierarchy)),
		ranks:  make(map[Role]int, len(hierarchy)),
		super:  make(map[Role]struct{}, len(superAdmins)),
		grants: make(map[string]map[string]struct{}),
	}
	for _, r := range hierarchy {
		r = normalizeRole(r)
		if r == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidInput)
		}
		if _, dup := m.ranks[r]; dup {
			return nil, fmt.Errorf("%w: role %q listed twice", ErrInvalidInput, r)
		}
		m.ranks[r] = len(m.order)
		m.order = append(m.order, r)
	}
	for _, r := range superAdmins {
		r = normalizeRole(r)
		if r == "" {
			return nil, fmt.Errorf("%w: empty super-admin role", ErrInvalidInput)
		}
		if _, inOrder := m.ranks[r]; inOrder {
			return nil, fmt.Errorf("%w: super-admin role %q must not appear in the hierarchy", ErrInvalidInput, r)
		}
		m.super[r] = struct{}{}
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Rank returns the position of role in the hierarchy. Super-admin roles rank
// above every ordered role.
func (m *Model) Rank(role Role) (int, bool) {
	role = normalizeRole(role)
	if rank, ok := m.ranks[role]; ok {
		return rank, true
	}
	if _, ok := m.super[role]; ok {
		return len(m.order), true
	}
	return -1, false
}

// IsSuperAdmin reports whether role bypasses specific checks.
func (m *Model) IsSuperAdmin(role Role) bool {
	_, ok := m.super[normalizeRole(role)]
	return ok
}

// Known reports whether role is part of the model.
func (m *Model) Known(role Role) bool {
	_, ok := m.Rank(role)
	return ok
}

// SatisfiesRole reports whether an identity holding have meets a minimum of
// need. Unknown held roles never satisfy; unknown required roles are only
// satisfied by super-admins.
func (m *Model) SatisfiesRole(have, need Role) bool {
	if m.IsSuperAdmin(have) {
		return true
	}
	haveRank, ok := m.Rank(have)
	if !ok {
		return false
	}
	needRank, ok := m.Rank(need)
	if !ok {
		needRank = math.MaxInt
	}
	return haveRank >= needRank
}

// Roles returns the ordered hierarchy, lowest first.
func (m *Model) Roles() []Role {
	out := make([]Role, len(m.order))
	copy(out, m.order)
	return out
}

// GrantsFor returns the permissions granted to role and level.
func (m *Model) GrantsFor(role Role, level AccountLevel) []string {
	var out []string
	for _, subject := range []string{string(normalizeRole(role)), LevelSubject(level)} {
		for p := range m.grants[subject] {
			out = append(out, p)
		}
	}
	return out
}

// LevelSubject is the grant subject used for an account level.
func LevelSubject(level AccountLevel) string {
	return "level:" + string(level)
}

func normalizeRole(r Role) Role {
	return Role(strings.ToLower(strings.TrimSpace(string(r))))
}
