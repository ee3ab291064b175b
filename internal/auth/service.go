package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/ids"
)

// EventRecorder receives security events. Recording never fails the caller.
type EventRecorder interface {
	Record(ctx context.Context, e audit.Event)
}

type discardRecorder struct{}

func (discardRecorder) Record(context.Context, audit.Event) {}

// AccountService owns the account operations that produce security events:
// login, password change, role and status changes.
type AccountService struct {
	users  UserStore
	tokens *TokenIssuer
	model  *Model
	events EventRecorder
}

// NewAccountService wires the service. A nil recorder discards events.
func NewAccountService(users UserStore, tokens *TokenIssuer, model *Model, events EventRecorder) *AccountService {
	if events == nil {
		events = discardRecorder{}
	}
	return &AccountService{users: users, tokens: tokens, model: model, events: events}
}

// LoginResult is a freshly issued session.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Login checks email and password and issues a session token.
func (s *AccountService) Login(ctx context.Context, email, password string, origin audit.Origin) (LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return LoginResult{}, err
		}
		burnPasswordCheck(password)
		s.events.Record(ctx, audit.NewEvent(audit.LoginFailure, email, audit.OutcomeError, origin).
			With("reason", "unknown_account"))
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		s.events.Record(ctx, audit.NewEvent(audit.LoginFailure, u.ID, audit.OutcomeError, origin).
			With("reason", "bad_password"))
		return LoginResult{}, ErrInvalidCredentials
	}
	if u.Status != StatusActive {
		s.events.Record(ctx, audit.NewEvent(audit.LoginFailure, u.ID, audit.OutcomeWarning, origin).
			With("reason", "account_"+string(u.Status)))
		return LoginResult{}, ErrAccountDisabled
	}
	token, exp, err := s.tokens.Issue(u)
	if err != nil {
		return LoginResult{}, err
	}
	s.events.Record(ctx, audit.NewEvent(audit.LoginSuccess, u.ID, audit.OutcomeSuccess, origin))
	u.PasswordHash = ""
	return LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}

// CreateAccount provisions a new active account.
func (s *AccountService) CreateAccount(ctx context.Context, u User, password string) (User, error) {
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return User{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	u.Role = normalizeRole(u.Role)
	if u.Role == "" {
		u.Role = RoleUser
	}
	if !s.model.Known(u.Role) {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, u.Role)
	}
	if u.AccountLevel == "" {
		u.AccountLevel = LevelBasic
	}
	if _, ok := ParseAccountLevel(string(u.AccountLevel)); !ok {
		return User{}, fmt.Errorf("%w: unknown account level %q", ErrInvalidInput, u.AccountLevel)
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.PasswordHash = hash
	if err := s.users.Create(ctx, &u); err != nil {
		return User{}, err
	}
	u.PasswordHash = ""
	return u, nil
}

// RegisterUser creates an account on behalf of actor, who may only hand out
// roles it could also assign through ChangeRole.
func (s *AccountService) RegisterUser(ctx context.Context, actor *Identity, u User, password string, origin audit.Origin) (User, error) {
	if actor == nil {
		return User{}, ErrForbidden
	}
	role := normalizeRole(u.Role)
	if role == "" {
		role = RoleUser
	}
	if s.model.Known(role) && !s.mayAssign(actor, role, role) {
		return User{}, fmt.Errorf("%w: role %q exceeds actor rank", ErrForbidden, role)
	}
	u.Role = role
	created, err := s.CreateAccount(ctx, u, password)
	if err != nil {
		return User{}, err
	}
	s.events.Record(ctx, audit.NewEvent(audit.RoleChange, created.ID, audit.OutcomeSuccess, origin).
		With("actor_id", actor.ID()).
		With("to", string(created.Role)).
		With("reason", "account_created"))
	return created, nil
}

// ChangePassword replaces the actor's own password after checking the current one.
func (s *AccountService) ChangePassword(ctx context.Context, actor *Identity, current, next string, origin audit.Origin) error {
	if actor == nil {
		return ErrForbidden
	}
	u, err := s.users.Get(ctx, actor.ID())
	if err != nil {
		return err
	}
	if err := VerifyPassword(u.PasswordHash, current); err != nil {
		s.events.Record(ctx, audit.NewEvent(audit.PasswordChange, u.ID, audit.OutcomeError, origin).
			With("reason", "bad_current_password"))
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.events.Record(ctx, audit.NewEvent(audit.PasswordChange, u.ID, audit.OutcomeSuccess, origin))
	return nil
}

// ChangeRole assigns role to userID. Only super-admins may grant a
// super-admin role or touch a super-admin account; everyone else may grant at
// most their own rank.
func (s *AccountService) ChangeRole(ctx context.Context, actor *Identity, userID string, role Role, origin audit.Origin) (User, error) {
	if actor == nil {
		return User{}, ErrForbidden
	}
	role = normalizeRole(role)
	if !s.model.Known(role) {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if actor.ID() == userID {
		return User{}, fmt.Errorf("%w: cannot change own role", ErrForbidden)
	}
	target, err := s.users.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !s.mayAssign(actor, target.Role, role) {
		s.events.Record(ctx, audit.NewEvent(audit.RoleChange, target.ID, audit.OutcomeWarning, origin).
			With("actor_id", actor.ID()).
			With("from", string(target.Role)).
			With("to", string(role)).
			With("reason", "rank_exceeded"))
		return User{}, fmt.Errorf("%w: role %q exceeds actor rank", ErrForbidden, role)
	}
	if err := s.users.UpdateRole(ctx, target.ID, role); err != nil {
		return User{}, err
	}
	s.events.Record(ctx, audit.NewEvent(audit.RoleChange, target.ID, audit.OutcomeSuccess, origin).
		With("actor_id", actor.ID()).
		With("from", string(target.Role)).
		With("to", string(role)))
	target.Role = role
	target.PasswordHash = ""
	return target, nil
}

func (s *AccountService) mayAssign(actor *Identity, from, to Role) bool {
	if s.model.IsSuperAdmin(actor.Role()) {
		return true
	}
	if s.model.IsSuperAdmin(from) || s.model.IsSuperAdmin(to) {
		return false
	}
	actorRank, ok := s.model.Rank(actor.Role())
	if !ok {
		return false
	}
	fromRank, _ := s.model.Rank(from)
	toRank, _ := s.model.Rank(to)
	return toRank <= actorRank && fromRank <= actorRank
}

// SetStatus changes an account's lifecycle status. Actors cannot change their own.
func (s *AccountService) SetStatus(ctx context.Context, actor *Identity, userID string, status Status, origin audit.Origin) (User, error) {
	if actor == nil {
		return User{}, ErrForbidden
	}
	status, ok := ParseStatus(string(status))
	if !ok {
		return User{}, fmt.Errorf("%w: unknown status", ErrInvalidInput)
	}
	if actor.ID() == userID {
		return User{}, fmt.Errorf("%w: cannot change own status", ErrForbidden)
	}
	target, err := s.users.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if s.model.IsSuperAdmin(target.Role) && !s.model.IsSuperAdmin(actor.Role()) {
		return User{}, fmt.Errorf("%w: cannot change a super-admin", ErrForbidden)
	}
	if err := s.users.UpdateStatus(ctx, target.ID, status); err != nil {
		return User{}, err
	}
	s.events.Record(ctx, audit.NewEvent(audit.SecuritySettingUpdate, target.ID, audit.OutcomeSuccess, origin).
		With("actor_id", actor.ID()).
		With("setting", "status").
		With("from", string(target.Status)).
		With("to", string(status)))
	target.Status = status
	target.PasswordHash = ""
	return target, nil
}

// SetPermissions replaces the explicit permissions held by userID. Grants
// coming from role and account level are not affected. Actors cannot change
// their own; such attempts are recorded as warnings.
func (s *AccountService) SetPermissions(ctx context.Context, actor *Identity, userID string, perms []string, origin audit.Origin) (User, error) {
	if actor == nil {
		return User{}, ErrForbidden
	}
	if actor.ID() == userID {
		s.events.Record(ctx, audit.NewEvent(audit.PermissionChange, actor.ID(), audit.OutcomeWarning, origin).
			With("actor_id", actor.ID()).
			With("reason", "self_change").
			With("requested", strings.Join(dedupe(perms), ",")))
		return User{}, fmt.Errorf("%w: cannot change own permissions", ErrForbidden)
	}
	target, err := s.users.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if s.model.IsSuperAdmin(target.Role) && !s.model.IsSuperAdmin(actor.Role()) {
		return User{}, fmt.Errorf("%w: cannot change a super-admin", ErrForbidden)
	}
	perms = dedupe(perms)
	if err := s.users.UpdatePermissions(ctx, target.ID, perms); err != nil {
		return User{}, err
	}
	s.events.Record(ctx, audit.NewEvent(audit.PermissionChange, target.ID, audit.OutcomeSuccess, origin).
		With("actor_id", actor.ID()).
		With("from", strings.Join(target.Permissions, ",")).
		With("to", strings.Join(perms, ",")))
	target.Permissions = perms
	target.PasswordHash = ""
	return target, nil
}
