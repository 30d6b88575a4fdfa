package approval_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/approval"
)

var _ = Describe("ComputeTimeRemaining", func() {
	DescribeTable("edge cases and format verification",
		func(requiredBy, now time.Time, expected string) {
			result := approval.ComputeTimeRemaining(requiredBy, now)
			Expect(result).To(Equal(expected))
		},
		Entry("deadline exactly now (boundary)",
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"0s"),
		Entry("deadline 1 second away",
			time.Date(2025, 2, 22, 12, 0, 1, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1s"),
		Entry("deadline 1 hour away",
			time.Date(2025, 2, 22, 13, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1h0m0s"),
		Entry("deadline already passed (negative) returns 0s",
			time.Date(2025, 2, 22, 11, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"0s"),
		Entry("deadline 90 seconds away",
			time.Date(2025, 2, 22, 12, 1, 30, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1m30s"),
		Entry("deadline 45 seconds away",
			time.Date(2025, 2, 22, 12, 0, 45, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"45s"),
	)
})
