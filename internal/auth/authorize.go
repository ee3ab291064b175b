package auth

import (
	"net/http"
	"strings"
)

// Requirement declares what a protected operation demands of its caller.
// The zero value is public.
type Requirement struct {
	Authenticated bool
	MinRole       Role
	AccountLevels []AccountLevel
	Permissions   []string
}

// Public is a requirement that admits anyone.
func Public() Requirement { return Requirement{} }

// Authenticated admits any active, authenticated identity.
func Authenticated() Requirement { return Requirement{Authenticated: true} }

// MinRole admits identities ranked at or above role. It panics on a blank
// role, which would otherwise declare a public route.
func MinRole(role Role) Requirement {
	if strings.TrimSpace(string(role)) == "" {
		panic("auth: MinRole requires a role")
	}
	return Requirement{MinRole: role}
}

// Level admits identities on one of the given account levels. It panics when
// no level is given, which would otherwise declare a public route.
func Level(levels ...AccountLevel) Requirement {
	if len(levels) == 0 {
		panic("auth: Level requires at least one account level")
	}
	return Requirement{AccountLevels: append([]AccountLevel(nil), levels...)}
}

// WithPermissions returns a copy of r that additionally demands every key in perms.
func (r Requirement) WithPermissions(perms ...string) Requirement {
	out := r
	out.Permissions = append(append([]string(nil), r.Permissions...), perms...)
	return out
}

// WithLevel returns a copy of r that additionally demands one of levels.
func (r Requirement) WithLevel(levels ...AccountLevel) Requirement {
	out := r
	out.AccountLevels = append(append([]AccountLevel(nil), r.AccountLevels...), levels...)
	return out
}

// IsPublic reports whether the requirement has no component at all.
func (r Requirement) IsPublic() bool {
	return !r.Authenticated && strings.TrimSpace(string(r.MinRole)) == "" &&
		len(r.AccountLevels) == 0 && len(r.Permissions) == 0
}

// Reason is the machine-readable code attached to a denial.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonUnauthenticated          Reason = "unauthenticated"
	ReasonAccountDisabled          Reason = "account_disabled"
	ReasonInsufficientRole         Reason = "insufficient_role"
	ReasonInsufficientAccountLevel Reason = "insufficient_account_level"
	ReasonInsufficientPermission   Reason = "insufficient_permission"
)

// HTTPStatus maps a denial reason to the status returned to the caller.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonNone:
		return http.StatusOK
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Decision is the outcome of evaluating a requirement.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allow = Decision{Allowed: true}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Engine evaluates requirements against identities using a fixed Model.
type Engine struct {
	model *Model
}

// NewEngine returns an engine bound to model.
func NewEngine(model *Model) *Engine {
	return &Engine{model: model}
}

// Model returns the role model the engine evaluates against.
func (e *Engine) Model() *Model { return e.model }

// Decide evaluates req for id, where a nil id means the caller is not
// authenticated. Checks run in a fixed order (status, role, account level,
// permissions) so the first failing check is always the reported reason.
// Decide has no side effects.
func (e *Engine) Decide(id *Identity, req Requirement) Decision {
	if req.IsPublic() {
		return allow
	}
	if id == nil {
		return deny(ReasonUnauthenticated)
	}
	if id.status != StatusActive {
		return deny(ReasonAccountDisabled)
	}
	super := e.model.IsSuperAdmin(id.role)

	if strings.TrimSpace(string(req.MinRole)) != "" && !e.model.SatisfiesRole(id.role, req.MinRole) {
		return deny(ReasonInsufficientRole)
	}
	if len(req.AccountLevels) > 0 && !super && !levelIn(id.level, req.AccountLevels) {
		return deny(ReasonInsufficientAccountLevel)
	}
	if !super {
		for _, p := range req.Permissions {
			if !id.HasPermission(p) {
				return deny(ReasonInsufficientPermission)
			}
		}
	}
	return allow
}

func levelIn(level AccountLevel, levels []AccountLevel) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}
