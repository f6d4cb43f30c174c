// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookshare/internal/books"
	"bookshare/internal/client"
	"bookshare/internal/loans"
	"bookshare/internal/users"
)

// Target is the server under test.
type Target struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	HTTP    *http.Client
	// RetryFor is how long calls rejected by the server's rate limiter are
	// retried. Sign-ups are limited, so experiments that create many
	// accounts need it against a server with default limits.
	RetryFor time.Duration
}

func (t Target) api() *client.Client {
	return client.New(strings.TrimSuffix(t.BaseURL, "/")+"/api/v1", t.HTTP).WithRetry(t.RetryFor)
}

func (t Target) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return http.DefaultClient
}

// HealthProbe measures 1 while /healthz answers 200 and 0 otherwise.
func HealthProbe(t Target) Probe {
	return Probe{
		Name:      "healthy",
		Threshold: Threshold{Operator: "==", Value: 1},
		Measure: func(ctx context.Context) (float64, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(t.BaseURL, "/")+"/healthz", nil)
			if err != nil {
				return 0, err
			}
			resp, err := t.httpClient().Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				return 0, nil
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return 0, nil
			}
			return 1, nil
		},
	}
}

// Options tune the predefined experiments.
type Options struct {
	Borrowers int
	Duration  time.Duration
	Interval  time.Duration
}

// Experiments returns the predefined bookshare experiments.
func Experiments(t Target, opts Options) []Experiment {
	return []Experiment{
		RequestRace(t, opts),
		LoanRoundTrip(t, opts),
	}
}

// account signs up a throwaway user and returns a client acting as it.
func account(ctx context.Context, api *client.Client, prefix string) (int64, *client.Client, error) {
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	created, err := api.Register(ctx, users.Registration{
		Username: name,
		Password: "chaos-password",
		Email:    name + "@chaos.invalid",
	})
	if err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", name, err)
	}
	return created.ID, api.WithBasic(name, "chaos-password"), nil
}

// RequestRace lets many borrowers ask for the same book at once. Exactly one
// request may win and the book must end up Requested by it.
func RequestRace(t Target, opts Options) Experiment {
	api := t.api()
	var (
		owner   *client.Client
		bookID  int64
		created atomic.Int64
		winner  atomic.Int64
	)

	borrowers := opts.Borrowers
	if borrowers < 2 {
		borrowers = 10
	}

	race := func(ctx context.Context) error {
		var err error
		if _, owner, err = account(ctx, api, "owner"); err != nil {
			return err
		}
		book, err := owner.CreateBook(ctx, books.NewBook{Title: "Chaos race"})
		if err != nil {
			return fmt.Errorf("create book: %w", err)
		}
		bookID = book.ID

		clients := make([]*client.Client, 0, borrowers)
		for i := 0; i < borrowers; i++ {
			_, c, err := account(ctx, api, "borrower")
			if err != nil {
				return err
			}
			clients = append(clients, c)
		}

		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				out, err := c.RequestBook(ctx, bookID)
				if err == nil && out.Created {
					created.Add(1)
					winner.Store(out.ID)
				}
			}(c)
		}
		wg.Wait()
		return nil
	}

	return Experiment{
		Name:        "concurrent-request-race",
		Hypothesis:  "Concurrent borrow requests for one book produce exactly one request",
		SteadyState: []Probe{HealthProbe(t)},
		Observe: []Probe{
			{
				Name: "requests_created",
				Measure: func(context.Context) (float64, error) {
					return float64(created.Load()), nil
				},
			},
			{
				Name: "book_held_by_winner",
				Measure: func(ctx context.Context) (float64, error) {
					if bookID == 0 {
						return 0, nil
					}
					b, err := api.Book(ctx, bookID)
					if err != nil {
						return 0, err
					}
					if b.Status == books.StatusRequested && b.RequestID != nil && *b.RequestID == winner.Load() {
						return 1, nil
					}
					return 0, nil
				},
			},
		},
		Method: []Action{{Name: "race", Run: race}},
		Rollback: []Action{{
			Name: "delete-book",
			Run: func(ctx context.Context) error {
				if owner == nil || bookID == 0 {
					return nil
				}
				return owner.DeleteBook(ctx, bookID)
			},
		}},
		Validation: []Assertion{
			{Probe: "requests_created", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one request must be created"},
			{Probe: "book_held_by_winner", Condition: func(v float64) bool { return v == 1 }, Message: "the book must point at the winning request"},
		},
		Duration: opts.Duration,
		Interval: opts.Interval,
	}
}

// LoanRoundTrip walks one book through request, loan and return and checks
// it comes back Available with a completed request.
func LoanRoundTrip(t Target, opts Options) Experiment {
	api := t.api()
	var (
		owner     *client.Client
		borrower  *client.Client
		bookID    int64
		requestID int64
	)

	steps := func(ctx context.Context) error {
		var err error
		if _, owner, err = account(ctx, api, "lender"); err != nil {
			return err
		}
		if _, borrower, err = account(ctx, api, "reader"); err != nil {
			return err
		}
		book, err := owner.CreateBook(ctx, books.NewBook{Title: "Chaos round trip"})
		if err != nil {
			return fmt.Errorf("create book: %w", err)
		}
		bookID = book.ID

		req, err := borrower.RequestBook(ctx, bookID)
		if err != nil {
			return fmt.Errorf("request book %d: %w", bookID, err)
		}
		if !req.Created {
			return fmt.Errorf("request book %d: %s", bookID, req.Info)
		}
		requestID = req.ID

		for _, status := range []string{books.StatusOnLoan, books.StatusAvailable} {
			upd, err := owner.SetBookStatus(ctx, bookID, status)
			if err != nil {
				return fmt.Errorf("set book %d to %s: %w", bookID, status, err)
			}
			if !upd.Updated {
				return fmt.Errorf("set book %d to %s: not applied", bookID, status)
			}
		}
		return nil
	}

	return Experiment{
		Name:        "loan-round-trip",
		Hypothesis:  "A lent and returned book is Available again and its request is Completed",
		SteadyState: []Probe{HealthProbe(t)},
		Observe: []Probe{{
			Name: "returned",
			Measure: func(ctx context.Context) (float64, error) {
				if requestID == 0 {
					return 0, nil
				}
				b, err := api.Book(ctx, bookID)
				if err != nil {
					return 0, err
				}
				r, err := borrower.Request(ctx, requestID)
				if err != nil {
					return 0, err
				}
				if b.Status == books.StatusAvailable && b.RequestID == nil && r.Status == loans.StatusCompleted {
					return 1, nil
				}
				return 0, nil
			},
		}},
		Method: []Action{{Name: "round-trip", Run: steps}},
		Rollback: []Action{{
			Name: "delete-book",
			Run: func(ctx context.Context) error {
				if owner == nil || bookID == 0 {
					return nil
				}
				return owner.DeleteBook(ctx, bookID)
			},
		}},
		Validation: []Assertion{
			{Probe: "returned", Condition: func(v float64) bool { return v == 1 }, Message: "the book must be Available with a Completed request"},
		},
		Duration: opts.Duration,
		Interval: opts.Interval,
	}
}
