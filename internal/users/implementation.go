// internal/users/implementation.go
package users

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"bookshare/internal/apperr"
	"bookshare/internal/config"
	"bookshare/internal/database"
	"bookshare/internal/policy"
)

// service implements the Service interface.
type service struct {
	gw          *database.Gateway
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewService creates a new users service instance. The limiter throttles
// sign-ups and failed credential checks.
func NewService(gw *database.Gateway, cfg config.AuthConfig, logger *slog.Logger) Service {
	return &service{
		gw:          gw,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), cfg.Burst),
		logger:      logger,
	}
}

// Register creates a new user with a hashed password.
func (s *service) Register(ctx context.Context, reg Registration) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, apperr.RateLimited()
	}

	hash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		Username:     reg.Username,
		PasswordHash: hash,
		PasswordSalt: salt,
		FullName:     reg.FullName,
		Email:        reg.Email,
		Country:      reg.Country,
		City:         reg.City,
		Postcode:     reg.Postcode,
		Address:      reg.Address,
	}

	err = s.gw.WithinTx(ctx, "users.register", func(ctx context.Context, q database.Querier) error {
		id, err := insertUser(ctx, q, user)
		if err != nil {
			return err
		}
		stored, err := getUserByID(ctx, q, id)
		if err != nil {
			return err
		}
		user = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Authenticate verifies a username/password pair.
func (s *service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var user *User
	err := s.gw.Do(ctx, "users.authenticate", func(ctx context.Context, q database.Querier) error {
		var err error
		user, err = getUserByUsername(ctx, q, username)
		return err
	})
	if err != nil {
		return nil, err
	}

	if user != nil {
		ok, err := verifyPassword(password, user.PasswordSalt, user.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("verify password of user %d: %w", user.ID, err)
		}
		if ok {
			return user, nil
		}
	}

	if !s.rateLimiter.Allow() {
		return nil, apperr.RateLimited()
	}
	return nil, apperr.Unauthenticated("invalid credentials")
}

// Lookup loads a user without a permission check, for internal callers such
// as token authentication.
func (s *service) Lookup(ctx context.Context, id int64) (*User, error) {
	var user *User
	err := s.gw.Do(ctx, "users.lookup", func(ctx context.Context, q database.Querier) error {
		var err error
		user, err = getUserByID(ctx, q, id)
		return err
	})
	return user, err
}

func (s *service) Get(ctx context.Context, actor policy.Actor, id int64) (*User, error) {
	if err := policy.UserRead(actor, id).Err(); err != nil {
		return nil, err
	}
	return s.Lookup(ctx, id)
}

func (s *service) Update(ctx context.Context, actor policy.Actor, id int64, upd Update) error {
	if err := policy.UserUpdate(actor, id).Err(); err != nil {
		return err
	}
	return s.gw.WithinTx(ctx, "users.update", func(ctx context.Context, q database.Querier) error {
		if _, err := getUserByID(ctx, q, id); err != nil {
			return err
		}
		return updateUser(ctx, q, id, upd)
	})
}

// Delete removes the account. Books with an open request from this user are
// released first so no book is left pointing at a deleted request.
func (s *service) Delete(ctx context.Context, actor policy.Actor, id int64) error {
	if err := policy.UserDelete(actor, id).Err(); err != nil {
		return err
	}
	err := s.gw.WithinTx(ctx, "users.delete", func(ctx context.Context, q database.Querier) error {
		if err := releaseBooksRequestedBy(ctx, q, id); err != nil {
			return err
		}
		return deleteUser(ctx, q, id)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "user deleted", "user_id", id)
	return nil
}
