package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/bazaar-hub/gatekeeper/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

const userColumns = `id, email, name, password_hash, role, account_level, status, permissions, created_at, updated_at`

func (s *Store) Create(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	perms, err := encodePermissions(u.Permissions)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, password_hash, role, account_level, status, permissions)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, u.ID, auth.NormalizeEmail(u.Email), u.Name, u.PasswordHash, string(u.Role), string(u.AccountLevel), string(u.Status), perms)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, auth.NormalizeEmail(email))
	return scanUser(row)
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.updateUser(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
}

func (s *Store) UpdateRole(ctx context.Context, userID string, role auth.Role) error {
	return s.updateUser(ctx, `update users set role = $2, updated_at = now() where id = $1`, userID, string(role))
}

func (s *Store) UpdateStatus(ctx context.Context, userID string, status auth.Status) error {
	return s.updateUser(ctx, `update users set status = $2, updated_at = now() where id = $1`, userID, string(status))
}

func (s *Store) UpdatePermissions(ctx context.Context, userID string, perms []string) error {
	raw, err := encodePermissions(perms)
	if err != nil {
		return err
	}
	return s.updateUser(ctx, `update users set permissions = $2, updated_at = now() where id = $1`, userID, raw)
}

func (s *Store) updateUser(ctx context.Context, query, userID string, value any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, userID, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (auth.User, error) {
	var (
		u                   auth.User
		role, level, status string
		rawPerms            []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &level, &status, &rawPerms, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	u.AccountLevel = auth.AccountLevel(level)
	u.Status = auth.Status(status)
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &u.Permissions); err != nil {
			return auth.User{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return u, nil
}

func encodePermissions(perms []string) ([]byte, error) {
	out := append([]string{}, perms...)
	sort.Strings(out)
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}
	return raw, nil
}
