// Package telemetry is the Telemetry Sink (C15): an append-only log of
// TOKEN_USAGE, PHASE_OUTCOME, APPROVAL, GOVERNANCE_DECISION,
// ROUTING_DECISION, and DRAIN_RESULT rows (spec.md §4.15), consumed by
// dashboards and the Batch Drain Controller's yield calculator.
package telemetry

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/metrics"
)

// closedEventKinds is the invariant set from spec.md §9: Record rejects
// anything outside it rather than silently widening the event schema.
var closedEventKinds = map[domain.EventKind]bool{
	domain.EventTokenUsage:         true,
	domain.EventPhaseOutcome:       true,
	domain.EventApproval:           true,
	domain.EventGovernanceDecision: true,
	domain.EventRoutingDecision:    true,
	domain.EventDrainResult:        true,
}

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// Sink is the append-only Telemetry Sink. Rows are encoded as JSON lines
// by a zapcore core and never rewritten or deleted; a single mutex
// serializes writes so concurrent phase attempts never interleave a
// partial line.
type Sink struct {
	mu    sync.Mutex
	core  zapcore.Core
	file  *os.File
	clock Clock
}

// Open appends to (creating if absent) the JSON-lines file at path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to open telemetry sink file")
	}
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:    "ts",
		LevelKey:   "",
		MessageKey: "",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	return &Sink{core: core, file: f, clock: time.Now}, nil
}

// SetClock overrides the Sink's notion of "now"; tests use this to assert
// on a fixed Timestamp.
func (s *Sink) SetClock(c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

func (s *Sink) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.core.Sync()
	return s.file.Close()
}

// Record appends event to the sink and drives the matching Prometheus
// collector in pkg/metrics. event.Timestamp is stamped with the Sink's
// clock if the caller left it zero. Returns an error for any event kind
// outside the closed set, or if event.RunID is empty.
func (s *Sink) Record(ctx context.Context, event domain.TelemetryEvent) error {
	if event.RunID == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "telemetry event missing run_id")
	}
	if !closedEventKinds[event.Kind] {
		return apperrors.New(apperrors.ErrorTypeValidation, "unknown telemetry event kind: "+string(event.Kind))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	fields := []zapcore.Field{
		zap.String("run_id", event.RunID),
		zap.String("kind", string(event.Kind)),
	}
	if event.PhaseID != "" {
		fields = append(fields, zap.String("phase_id", event.PhaseID))
	}
	if event.AttemptID != "" {
		fields = append(fields, zap.String("attempt_id", event.AttemptID))
	}
	fields = append(fields, zap.Any("payload", event.Payload))

	s.mu.Lock()
	err := s.core.Write(zapcore.Entry{Time: event.Timestamp}, fields)
	s.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to append telemetry event")
	}

	recordMetric(event)
	return nil
}

// recordMetric dispatches event to the pkg/metrics collector its kind
// drives. Payload keys are read defensively: a malformed payload simply
// skips the metric rather than failing the (already-durable) write.
func recordMetric(event domain.TelemetryEvent) {
	switch event.Kind {
	case domain.EventTokenUsage:
		role, _ := event.Payload["role"].(string)
		in := toInt64(event.Payload["tokens_in"])
		out := toInt64(event.Payload["tokens_out"])
		metrics.RecordTokenUsage(role, in, out)

	case domain.EventPhaseOutcome:
		outcome, _ := event.Payload["outcome"].(string)
		metrics.RecordPhaseOutcome(outcome, toDuration(event.Payload["duration_ms"]))

	case domain.EventApproval:
		decision, _ := event.Payload["decision"].(string)
		metrics.RecordApprovalDecision(decision)

	case domain.EventGovernanceDecision:
		ruling, _ := event.Payload["ruling"].(string)
		metrics.RecordGovernanceDecision(ruling)

	case domain.EventRoutingDecision:
		modelID, _ := event.Payload["model_id"].(string)
		metrics.RecordRoutingDecision(modelID)

	case domain.EventDrainResult:
		finalState, _ := event.Payload["final_state"].(string)
		metrics.RecordDrainResult(finalState, toFloat64(event.Payload["yield_per_minute"]))
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func toDuration(v interface{}) time.Duration {
	return time.Duration(toInt64(v)) * time.Millisecond
}

// YieldPerMinute computes the drain yield (spec.md §4.15): telemetry
// events collected per minute of replay wall-clock. Neither the Sink nor
// pkg/drain calls it: pkg/drain computes the same ratio inline for each
// DrainResult, and Record takes yield_per_minute from the DRAIN_RESULT
// payload as given.
func YieldPerMinute(eventsCollected int, duration time.Duration) float64 {
	minutes := duration.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(eventsCollected) / minutes
}
