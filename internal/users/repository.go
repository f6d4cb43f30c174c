// internal/users/repository.go
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
)

const userColumns = `id, username, password_hash, password_salt, full_name, email, country, city, postcode, address, created_at, updated_at`

func insertUser(ctx context.Context, q database.Querier, u *User) (int64, error) {
	query := q.Rebind(`
		INSERT INTO users (username, password_hash, password_salt, full_name, email, country, city, postcode, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	err := q.QueryRowxContext(ctx, query,
		u.Username, u.PasswordHash, u.PasswordSalt, u.FullName, u.Email, u.Country, u.City, u.Postcode, u.Address,
	).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return 0, apperr.Conflict(fmt.Sprintf("username %q is already taken", u.Username))
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func getUserByID(ctx context.Context, q database.Querier, id int64) (*User, error) {
	u := &User{}
	err := sqlx.GetContext(ctx, q, u, q.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("user", id)
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// getUserByUsername returns (nil, nil) when no user has that name.
func getUserByUsername(ctx context.Context, q database.Querier, username string) (*User, error) {
	u := &User{}
	err := sqlx.GetContext(ctx, q, u, q.Rebind(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func updateUser(ctx context.Context, q database.Querier, id int64, upd Update) error {
	cols, args := upd.assignments()
	if len(cols) == 0 {
		return nil
	}
	cols = append(cols, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := q.Rebind(`UPDATE users SET ` + strings.Join(cols, ", ") + ` WHERE id = ?`)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict(fmt.Sprintf("username %q is already taken", *upd.Username))
		}
		return fmt.Errorf("update user %d: %w", id, err)
	}
	return nil
}

// releaseBooksRequestedBy makes every book the user has an open request on
// available again, before the user's requests disappear with the account.
func releaseBooksRequestedBy(ctx context.Context, q database.Querier, userID int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE books
		SET request_id = NULL, status = 'Available', version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE request_id IN (SELECT id FROM requests WHERE requester_id = ?)
	`), userID)
	if err != nil {
		return fmt.Errorf("release books requested by user %d: %w", userID, err)
	}
	return nil
}

func deleteUser(ctx context.Context, q database.Querier, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	if n == 0 {
		return apperr.NotFound("user", id)
	}
	return nil
}
