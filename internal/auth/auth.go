// internal/auth/auth.go

// Package auth authenticates API callers. A request carries either HTTP Basic
// credentials or a bearer token handed out by POST /users/login.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bookshare/internal/apperr"
	"bookshare/internal/config"
	"bookshare/internal/policy"
	"bookshare/internal/users"
	"bookshare/internal/web"
)

const issuer = "bookshare"

// Claims is the payload of a session token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens builds a token signer from cfg. Without a configured secret a
// random one is drawn, so tokens do not survive a restart.
func NewTokens(cfg config.AuthConfig) (*Tokens, error) {
	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue implements users.TokenIssuer.
func (t *Tokens) Issue(userID int64, username string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token for user %d: %w", userID, err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer and expiry and returns the token's actor.
func (t *Tokens) Verify(raw string) (policy.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return policy.Actor{}, apperr.Unauthenticated("token expired")
		}
		return policy.Actor{}, apperr.Unauthenticated("invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return policy.Actor{}, apperr.Unauthenticated("invalid token subject")
	}
	return policy.Actor{ID: id, Username: claims.Username}, nil
}

// Credentials is the part of the users service the middleware needs.
type Credentials interface {
	Authenticate(ctx context.Context, username, password string) (*users.User, error)
	Lookup(ctx context.Context, id int64) (*users.User, error)
}

// Middleware resolves the caller and stores it with web.WithActor. Requests
// without valid credentials are answered with 401.
func Middleware(creds Credentials, tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := resolve(r, creds, tokens)
			if err != nil {
				web.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(web.WithActor(r.Context(), actor)))
		})
	}
}

func resolve(r *http.Request, creds Credentials, tokens *Tokens) (policy.Actor, error) {
	header := r.Header.Get("Authorization")
	scheme, rest, _ := strings.Cut(header, " ")

	switch {
	case header == "":
		return policy.Actor{}, apperr.Unauthenticated("authentication required")

	case strings.EqualFold(scheme, "Basic"):
		username, password, ok := r.BasicAuth()
		if !ok {
			return policy.Actor{}, apperr.Unauthenticated("malformed basic credentials")
		}
		user, err := creds.Authenticate(r.Context(), username, password)
		if err != nil {
			return policy.Actor{}, err
		}
		return policy.Actor{ID: user.ID, Username: user.Username}, nil

	case strings.EqualFold(scheme, "Bearer"):
		actor, err := tokens.Verify(strings.TrimSpace(rest))
		if err != nil {
			return policy.Actor{}, err
		}
		// the account may have been deleted since the token was issued
		user, err := creds.Lookup(r.Context(), actor.ID)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return policy.Actor{}, apperr.Unauthenticated("account no longer exists")
			}
			return policy.Actor{}, err
		}
		return policy.Actor{ID: user.ID, Username: user.Username}, nil

	default:
		return policy.Actor{}, apperr.Unauthenticated("unsupported authorization scheme")
	}
}
