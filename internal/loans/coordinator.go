// internal/loans/coordinator.go
package loans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bookshare/internal/apperr"
	"bookshare/internal/books"
	"bookshare/internal/database"
	"bookshare/internal/eventstore"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

const aggregateType = "request"

// coordinator implements the Service interface.
type coordinator struct {
	gw          *database.Gateway
	events      *eventstore.EventStore
	logger      *slog.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// NewService creates the loan lifecycle coordinator.
func NewService(gw *database.Gateway, events *eventstore.EventStore, logger *slog.Logger) (Service, error) {
	counter, err := otel.Meter("bookshare/loans").Int64Counter("bookshare.loan.transitions",
		metric.WithDescription("Committed loan lifecycle transitions by event type."),
	)
	if err != nil {
		return nil, fmt.Errorf("create transition counter: %w", err)
	}
	return &coordinator{
		gw:          gw,
		events:      events,
		logger:      logger,
		tracer:      otel.Tracer("bookshare/loans"),
		transitions: counter,
	}, nil
}

func aggregate(requestID int64) eventstore.Aggregate {
	return eventstore.Aggregate{Type: aggregateType, ID: requestID}
}

// record appends one event to the request's stream inside the caller's
// transaction.
func (c *coordinator) record(ctx context.Context, q database.Querier, actor policy.Actor, requestID int64, eventType string, data interface{}) error {
	event, err := eventstore.NewEvent(eventType, data, map[string]interface{}{"actorID": actor.ID})
	if err != nil {
		return err
	}
	if err := c.events.Append(ctx, q, aggregate(requestID), event); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return apperr.Conflict(fmt.Sprintf("request %d was changed concurrently, retry", requestID))
		}
		return fmt.Errorf("record %s for request %d: %w", eventType, requestID, err)
	}
	return nil
}

func (c *coordinator) count(ctx context.Context, eventType string) {
	c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}

// CreateRequest opens a request on a book for the actor. Asking for one's
// own book, or for a book that already has a request, is not an error: the
// outcome says why nothing was created.
func (c *coordinator) CreateRequest(ctx context.Context, actor policy.Actor, nr NewRequest) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "loans.create_request",
		trace.WithAttributes(attribute.Int64("book.id", nr.BookID), attribute.Int64("actor.id", actor.ID)))
	defer span.End()

	if nr.RequesterID != 0 && nr.RequesterID != actor.ID {
		return Outcome{}, apperr.Forbidden("requests can only be made on your own behalf")
	}

	var out Outcome
	err := c.gw.WithinTx(ctx, "loans.create_request", func(ctx context.Context, q database.Querier) error {
		book, err := books.GetForUpdate(ctx, q, nr.BookID)
		if err != nil {
			return err
		}
		if book.OwnerID == actor.ID {
			out = Outcome{Info: InfoOwnBook}
			return nil
		}
		if book.RequestID != nil {
			out = Outcome{Info: InfoAlreadyRequested}
			return nil
		}

		title := strings.TrimSpace(nr.Title)
		if title == "" {
			title = book.Title
		}
		id, err := insertRequest(ctx, q, title, actor.ID, book.ID, book.OwnerID)
		if err != nil {
			return err
		}
		attached, err := books.AttachRequest(ctx, q, book.ID, id)
		if err != nil {
			return err
		}
		if !attached {
			return errBookTaken
		}
		if err := c.record(ctx, q, actor, id, EventOpened, openedData{
			BookID:      book.ID,
			RequesterID: actor.ID,
			BookOwnerID: book.OwnerID,
		}); err != nil {
			return err
		}

		req, err := Get(ctx, q, id)
		if err != nil {
			return err
		}
		out = Outcome{Created: true, Request: req}
		return nil
	})
	if errors.Is(err, errBookTaken) {
		return Outcome{Info: InfoAlreadyRequested}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if out.Created {
		c.count(ctx, EventOpened)
		c.logger.InfoContext(ctx, "request opened", "request_id", out.Request.ID, "book_id", nr.BookID, "requester_id", actor.ID)
	}
	return out, nil
}

// UpdateBookStatus is how an owner lends a book out and takes it back. With
// a request attached, "On Loan" accepts the request and "Available" completes
// it and frees the book. Without one, only "Available" can be written, since
// any other status needs a request. Every other case reports false.
func (c *coordinator) UpdateBookStatus(ctx context.Context, actor policy.Actor, bookID int64, status string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "loans.update_book_status",
		trace.WithAttributes(attribute.Int64("book.id", bookID), attribute.String("status", status)))
	defer span.End()

	var updated bool
	var event string
	var requestID int64
	err := c.gw.WithinTx(ctx, "loans.update_book_status", func(ctx context.Context, q database.Querier) error {
		book, err := books.GetForUpdate(ctx, q, bookID)
		if err != nil {
			return err
		}
		if err := policy.BookUpdate(actor, book).Err(); err != nil {
			return err
		}

		if book.RequestID == nil {
			if status != books.StatusAvailable {
				return nil
			}
			updated, err = books.MarkAvailable(ctx, q, bookID)
			return err
		}

		req, err := getForUpdate(ctx, q, *book.RequestID)
		if err != nil {
			return err
		}
		requestID = req.ID

		var to string
		var moved bool
		switch status {
		case books.StatusOnLoan:
			to, event = StatusAccepted, EventAccepted
			moved, err = books.MarkOnLoan(ctx, q, bookID, req.ID)
		case books.StatusAvailable:
			to, event = StatusCompleted, EventCompleted
			moved, err = books.DetachRequest(ctx, q, bookID, req.ID)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("book %d no longer holds request %d", bookID, req.ID)
		}
		if err := setStatus(ctx, q, req.ID, to); err != nil {
			return err
		}
		if err := c.record(ctx, q, actor, req.ID, event, transitionData{
			BookID:     bookID,
			From:       req.Status,
			To:         to,
			BookStatus: status,
		}); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if event != "" && updated {
		c.count(ctx, event)
		c.logger.InfoContext(ctx, "book status changed", "book_id", bookID, "status", status, "request_id", requestID)
	}
	return updated, nil
}

// ArchiveRequest hides a completed request from the actor's side of the
// conversation. Requests that are not completed are left alone.
func (c *coordinator) ArchiveRequest(ctx context.Context, actor policy.Actor, requestID int64) (bool, error) {
	var updated bool
	err := c.gw.WithinTx(ctx, "loans.archive_request", func(ctx context.Context, q database.Querier) error {
		req, err := getForUpdate(ctx, q, requestID)
		if err != nil {
			return err
		}
		if err := policy.RequestUpdate(actor, req).Err(); err != nil {
			return err
		}
		if req.Status != StatusCompleted {
			return nil
		}

		s := receiverSide
		if actor.ID == req.RequesterID {
			s = requesterSide
		}
		if err := archive(ctx, q, requestID, s); err != nil {
			return err
		}
		if err := c.record(ctx, q, actor, requestID, EventArchived, archivedData{Side: s.String()}); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		c.count(ctx, EventArchived)
	}
	return updated, nil
}

// DeleteRequest withdraws the actor's request. The book is released if it
// still belongs to this request; messages on the request are removed with it.
func (c *coordinator) DeleteRequest(ctx context.Context, actor policy.Actor, requestID int64) error {
	err := c.gw.WithinTx(ctx, "loans.delete_request", func(ctx context.Context, q database.Querier) error {
		req, err := lockRequest(ctx, q, requestID)
		if err != nil {
			return err
		}
		if err := policy.RequestDelete(actor, req).Err(); err != nil {
			return err
		}
		released, err := books.DetachRequest(ctx, q, req.BookID, req.ID)
		if err != nil {
			return err
		}
		if err := c.record(ctx, q, actor, requestID, EventCancelled, cancelledData{
			BookID:       req.BookID,
			BookReleased: released,
		}); err != nil {
			return err
		}
		return deleteRequest(ctx, q, requestID)
	})
	if err != nil {
		return err
	}
	c.count(ctx, EventCancelled)
	c.logger.InfoContext(ctx, "request deleted", "request_id", requestID, "requester_id", actor.ID)
	return nil
}

// lockRequest locks the request's book and then the request, the same order
// UpdateBookStatus and user deletion take. A request never changes book, so
// the unlocked read is only used to find it.
func lockRequest(ctx context.Context, q database.Querier, requestID int64) (*Request, error) {
	peek, err := Get(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := books.GetForUpdate(ctx, q, peek.BookID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound("request", requestID)
		}
		return nil, err
	}
	return getForUpdate(ctx, q, requestID)
}

// Get returns a request with the current status of its book.
func (c *coordinator) Get(ctx context.Context, actor policy.Actor, requestID int64) (*Request, error) {
	var req *Request
	err := c.gw.Do(ctx, "loans.get_request", func(ctx context.Context, q database.Querier) error {
		var err error
		req, err = getWithBookStatus(ctx, q, requestID)
		if err != nil {
			return err
		}
		return policy.RequestRead(actor, req).Err()
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListByUser lists the requests userID made or received.
func (c *coordinator) ListByUser(ctx context.Context, actor policy.Actor, userID int64, page paging.Page) (paging.Result[Request], error) {
	if err := policy.RequestReadByUser(actor, userID).Err(); err != nil {
		return paging.Result[Request]{}, err
	}
	var rows []Request
	err := c.gw.Do(ctx, "loans.list_by_user", func(ctx context.Context, q database.Querier) error {
		var err error
		rows, err = listByUser(ctx, q, userID, page)
		return err
	})
	if err != nil {
		return paging.Result[Request]{}, err
	}
	return paging.Trim(rows, page), nil
}

// History returns the lifecycle events of a request, oldest first.
func (c *coordinator) History(ctx context.Context, actor policy.Actor, requestID int64) ([]eventstore.Event, error) {
	var events []eventstore.Event
	err := c.gw.Do(ctx, "loans.history", func(ctx context.Context, q database.Querier) error {
		req, err := Get(ctx, q, requestID)
		if err != nil {
			return err
		}
		if err := policy.RequestRead(actor, req).Err(); err != nil {
			return err
		}
		events, err = c.events.LoadEvents(ctx, q, aggregate(requestID), 1, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
