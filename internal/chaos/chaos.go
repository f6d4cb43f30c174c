// internal/chaos/chaos.go

// Package chaos runs resilience experiments against a live bookshare
// server. An experiment checks a steady state, applies its method, samples
// probes for a while, rolls back and finally checks its assertions.
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyState is returned when the system is unhealthy before the method
// runs. Nothing is injected in that case.
var ErrSteadyState = errors.New("steady state invalid")

// Experiment defines a chaos test.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState must hold before the method runs and is sampled throughout.
	SteadyState []Probe
	// Observe probes are sampled after the method but do not gate it.
	Observe    []Probe
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Duration   time.Duration
	Interval   time.Duration
}

// Probe measures one property of the system.
type Probe struct {
	Name      string
	Measure   func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether v satisfies the threshold. Unknown operators never
// hold.
func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action is one step of a method or rollback.
type Action struct {
	Name string
	Run  func(context.Context) error
}

// Assertion checks the last observation of a probe.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"startTime"`
	EndTime          time.Time              `json:"endTime"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesisHeld"`
	SteadyStateValid bool                   `json:"steadyStateValid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
	Failed           []string               `json:"failedAssertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{tracer: otel.Tracer("bookshare/chaos"), logger: logger}
}

// Results returns a copy of every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes exp. A failed hypothesis is reported in the result, not as an
// error; the error is reserved for experiments that could not start.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run", trace.WithAttributes(
		attribute.String("experiment.name", exp.Name),
	))
	defer span.End()

	res := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		res.Violations = violations
		res.EndTime = time.Now()
		span.SetStatus(codes.Error, ErrSteadyState.Error())
		return res, ErrSteadyState
	}
	res.SteadyStateValid = true

	span.AddEvent("method")
	for _, a := range exp.Method {
		if err := a.Run(ctx); err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: a.Name})
			span.RecordError(err)
		}
	}

	span.AddEvent("observe")
	e.observe(ctx, exp, res)

	span.AddEvent("rollback")
	for _, a := range exp.Rollback {
		if err := a.Run(ctx); err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: a.Name})
			span.RecordError(err)
		}
	}

	res.Failed = failedAssertions(exp.Validation, res)
	res.HypothesisHeld = len(res.Failed) == 0
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	e.logger.InfoContext(ctx, "experiment finished",
		"experiment", exp.Name,
		"hypothesis_held", res.HypothesisHeld,
		"violations", len(res.Violations),
		"errors", len(res.Errors),
		"duration", res.Duration,
	)
	return res, nil
}

func (e *Engine) checkSteadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		v, err := p.Measure(ctx)
		if err != nil {
			v = -1
		}
		if err != nil || !p.Threshold.Holds(v) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: v, Timestamp: time.Now()})
		}
	}
	return violations
}

// observe samples every probe once right away and then on each tick until
// the experiment's duration has passed. The first steady-state violation
// starts the recovery clock; the next clean sample of that probe stops it.
func (e *Engine) observe(ctx context.Context, exp Experiment, res *Result) {
	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var degradedSince time.Time
	sample := func() {
		for _, p := range exp.SteadyState {
			v, ok := e.sampleProbe(ctx, p, res)
			if !ok {
				continue
			}
			switch {
			case !p.Threshold.Holds(v):
				if degradedSince.IsZero() {
					degradedSince = time.Now()
				}
				res.Violations = append(res.Violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: v, Timestamp: time.Now()})
			case !degradedSince.IsZero() && res.MTTR == nil:
				mttr := time.Since(degradedSince)
				res.MTTR = &mttr
			}
		}
		for _, p := range exp.Observe {
			e.sampleProbe(ctx, p, res)
		}
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (e *Engine) sampleProbe(ctx context.Context, p Probe, res *Result) (float64, bool) {
	v, err := p.Measure(ctx)
	if err != nil {
		if ctx.Err() == nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: p.Name})
		}
		return 0, false
	}
	res.Observations[p.Name] = append(res.Observations[p.Name], DataPoint{Timestamp: time.Now(), Value: v})
	return v, true
}

func failedAssertions(assertions []Assertion, res *Result) []string {
	var failed []string
	for _, a := range assertions {
		obs := res.Observations[a.Probe]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}
