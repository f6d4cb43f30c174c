// internal/eventstore/eventstore.go

// Package eventstore is an append-only log of loan events with optimistic
// concurrency per aggregate. Appends run on the caller's Querier so they
// commit or roll back together with the state change they describe.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookshare/internal/database"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Aggregate identifies the stream an event belongs to.
type Aggregate struct {
	Type string
	ID   int64
}

func (a Aggregate) String() string { return fmt.Sprintf("%s:%d", a.Type, a.ID) }

// Event is one entry in an aggregate's stream.
type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregateType"`
	AggregateID   int64                  `json:"aggregateID"`
	EventType     string                 `json:"eventType"`
	EventData     json.RawMessage        `json:"eventData"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Version       int                    `json:"version"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data interface{}, metadata map[string]interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: raw, Metadata: metadata}, nil
}

// EventStore appends and loads aggregate streams.
type EventStore struct {
	tracer trace.Tracer
}

func NewEventStore() *EventStore {
	return &EventStore{tracer: otel.Tracer("bookshare/eventstore")}
}

// AppendEvents appends events after expectedVersion. It fails with
// ErrConcurrencyConflict when the stream has moved on, including when a
// concurrent writer wins the unique (aggregate, version) race.
func (es *EventStore) AppendEvents(ctx context.Context, q sqlx.ExtContext, agg Aggregate, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate", agg.String()),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	currentVersion, err := es.currentVersion(ctx, q, agg)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	insert := q.Rebind(`
		INSERT INTO loan_events (aggregate_type, aggregate_id, event_type, event_data, metadata, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	for i, event := range events {
		version := expectedVersion + i + 1
		var metadata interface{}
		if len(event.Metadata) > 0 {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for event %d: %w", i, err)
			}
			metadata = string(raw)
		}

		var eventID int64
		err := q.QueryRowxContext(ctx, insert,
			agg.Type,
			agg.ID,
			event.EventType,
			string(event.EventData),
			metadata,
			version,
			time.Now().UTC(),
		).Scan(&eventID)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// Append appends events at the stream's current version.
func (es *EventStore) Append(ctx context.Context, q sqlx.ExtContext, agg Aggregate, events ...Event) error {
	version, err := es.currentVersion(ctx, q, agg)
	if err != nil {
		return err
	}
	return es.AppendEvents(ctx, q, agg, version, events)
}

// LoadEvents returns the stream in version order, bounded by fromVersion and,
// when positive, toVersion.
func (es *EventStore) LoadEvents(ctx context.Context, q sqlx.ExtContext, agg Aggregate, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate", agg.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, metadata, version, created_at
		FROM loan_events
		WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ?
	`
	args := []interface{}{agg.Type, agg.ID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= ?"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := q.QueryxContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var event Event
		var data, metadata []byte
		if err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&data,
			&metadata,
			&event.Version,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the latest version of the stream, 0 when empty.
func (es *EventStore) CurrentVersion(ctx context.Context, q sqlx.ExtContext, agg Aggregate) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate", agg.String())),
	)
	defer span.End()

	version, err := es.currentVersion(ctx, q, agg)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

func (es *EventStore) currentVersion(ctx context.Context, q sqlx.ExtContext, agg Aggregate) (int, error) {
	var version int
	err := q.QueryRowxContext(ctx, q.Rebind(`
		SELECT COALESCE(MAX(version), 0)
		FROM loan_events
		WHERE aggregate_type = ? AND aggregate_id = ?
	`), agg.Type, agg.ID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}
