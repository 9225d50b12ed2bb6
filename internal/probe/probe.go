package probe

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"referralnet/internal/metrics"
)

// Probe measures one data invariant.
type Probe struct {
	Name        string
	Description string
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Zero is the threshold for counts that must stay empty.
var Zero = Threshold{Operator: "==", Value: 0}

// Violation is a probe whose value breached its threshold or could not
// be read.
type Violation struct {
	Probe     string    `json:"probe"`
	Expected  string    `json:"expected"`
	Actual    float64   `json:"actual"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the outcome of one evaluation pass.
type Report struct {
	Healthy    bool               `json:"healthy"`
	Values     map[string]float64 `json:"values"`
	Violations []Violation        `json:"violations"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// Evaluator runs registered probes and records their values.
type Evaluator struct {
	tracer  trace.Tracer
	metrics *metrics.Metrics
	mu      sync.Mutex
	probes  []Probe
}

// NewEvaluator creates an evaluator with the given probes.
func NewEvaluator(m *metrics.Metrics, probes ...Probe) *Evaluator {
	return &Evaluator{
		tracer:  otel.Tracer("referralnet/probe"),
		metrics: m,
		probes:  append([]Probe(nil), probes...),
	}
}

// Register adds a probe.
func (e *Evaluator) Register(p Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes = append(e.probes, p)
}

// Probes returns the registered probes.
func (e *Evaluator) Probes() []Probe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Probe(nil), e.probes...)
}

// Run evaluates every probe. A probe that fails to read counts as a
// violation with Actual set to -1.
func (e *Evaluator) Run(ctx context.Context) Report {
	ctx, span := e.tracer.Start(ctx, "probe.run")
	defer span.End()

	report := Report{
		Values:     make(map[string]float64),
		Violations: make([]Violation, 0),
		CheckedAt:  time.Now().UTC(),
	}

	for _, p := range e.Probes() {
		value, err := p.Query(ctx)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				Probe:     p.Name,
				Expected:  p.Threshold.String(),
				Actual:    -1,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			e.metrics.ProbeObserved(p.Name, -1, true)
			slog.Error("Invariant probe failed", "probe", p.Name, "error", err)
			continue
		}

		report.Values[p.Name] = value
		ok := Evaluate(value, p.Threshold)
		e.metrics.ProbeObserved(p.Name, value, !ok)
		if !ok {
			report.Violations = append(report.Violations, Violation{
				Probe:     p.Name,
				Expected:  p.Threshold.String(),
				Actual:    value,
				Timestamp: time.Now().UTC(),
			})
			slog.Warn("Invariant violated", "probe", p.Name, "value", value, "expected", p.Threshold.String())
		}
	}

	report.Healthy = len(report.Violations) == 0
	span.SetAttributes(
		attribute.Bool("healthy", report.Healthy),
		attribute.Int("violations", len(report.Violations)),
	)
	return report
}

// Evaluate reports whether value satisfies threshold. Unknown operators
// never hold.
func Evaluate(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func (t Threshold) String() string {
	return t.Operator + " " + strconv.FormatFloat(t.Value, 'g', -1, 64)
}
