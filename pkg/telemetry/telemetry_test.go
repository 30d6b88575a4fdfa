package telemetry_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/metrics"
	"github.com/hshk99/autopack/pkg/telemetry"
)

func readLines(path string) []map[string]interface{} {
	f, err := os.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	var rows []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]interface{}
		Expect(json.Unmarshal(scanner.Bytes(), &row)).To(Succeed())
		rows = append(rows, row)
	}
	return rows
}

var _ = Describe("Sink", func() {
	var (
		sink *telemetry.Sink
		path string
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "telemetry.jsonl")
		var err error
		sink, err = telemetry.Open(path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(sink.Close()).To(Succeed())
	})

	It("appends a JSON-line row per event with run_id, kind, and payload", func() {
		fixedNow := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
		sink.SetClock(func() time.Time { return fixedNow })

		Expect(sink.Record(context.Background(), domain.TelemetryEvent{
			RunID:   "run-1",
			PhaseID: "phase-1",
			Kind:    domain.EventPhaseOutcome,
			Payload: map[string]interface{}{"outcome": "OK", "duration_ms": int64(1500)},
		})).To(Succeed())

		rows := readLines(path)
		Expect(rows).To(HaveLen(1))
		Expect(rows[0]["run_id"]).To(Equal("run-1"))
		Expect(rows[0]["phase_id"]).To(Equal("phase-1"))
		Expect(rows[0]["kind"]).To(Equal("PHASE_OUTCOME"))
		Expect(rows[0]["ts"]).NotTo(BeEmpty())
		payload := rows[0]["payload"].(map[string]interface{})
		Expect(payload["outcome"]).To(Equal("OK"))
	})

	It("rejects an event with no run_id", func() {
		err := sink.Record(context.Background(), domain.TelemetryEvent{
			Kind: domain.EventApproval,
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an event kind outside the closed set", func() {
		err := sink.Record(context.Background(), domain.TelemetryEvent{
			RunID: "run-1",
			Kind:  domain.EventKind("SOMETHING_ELSE"),
		})
		Expect(err).To(HaveOccurred())
	})

	It("appends rows across multiple calls without interleaving or truncating", func() {
		for i := 0; i < 5; i++ {
			Expect(sink.Record(context.Background(), domain.TelemetryEvent{
				RunID: "run-1",
				Kind:  domain.EventRoutingDecision,
				Payload: map[string]interface{}{
					"model_id": "model-a",
				},
			})).To(Succeed())
		}
		Expect(readLines(path)).To(HaveLen(5))
	})

	It("drives the matching pkg/metrics collector for a TOKEN_USAGE event", func() {
		before := testutil.ToFloat64(metrics.TokenUsageTotal.WithLabelValues("Builder", "in"))

		Expect(sink.Record(context.Background(), domain.TelemetryEvent{
			RunID: "run-1",
			Kind:  domain.EventTokenUsage,
			Payload: map[string]interface{}{
				"role":       "Builder",
				"tokens_in":  int64(100),
				"tokens_out": int64(40),
			},
		})).To(Succeed())

		after := testutil.ToFloat64(metrics.TokenUsageTotal.WithLabelValues("Builder", "in"))
		Expect(after - before).To(Equal(float64(100)))
	})

	It("drives the DRAIN_RESULT counter and yield histogram", func() {
		Expect(sink.Record(context.Background(), domain.TelemetryEvent{
			RunID: "run-2",
			Kind:  domain.EventDrainResult,
			Payload: map[string]interface{}{
				"final_state":      "COMPLETE",
				"yield_per_minute": 2.5,
			},
		})).To(Succeed())

		Expect(testutil.ToFloat64(metrics.DrainResultsTotal.WithLabelValues("COMPLETE"))).To(BeNumerically(">=", 1))
	})
})

var _ = Describe("YieldPerMinute", func() {
	It("divides events collected by elapsed minutes", func() {
		Expect(telemetry.YieldPerMinute(9, 3*time.Minute)).To(Equal(3.0))
	})

	It("returns zero for a non-positive duration", func() {
		Expect(telemetry.YieldPerMinute(5, 0)).To(Equal(0.0))
	})
})
