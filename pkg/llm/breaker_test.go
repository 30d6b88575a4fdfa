package llm_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/llm"
)

var _ = Describe("BreakerCaller", func() {
	It("passes through a successful call", func() {
		fake := &llm.Fake{Responses: []llm.Response{{Content: "ok", StopReason: llm.StopComplete}}}
		caller := llm.NewBreakerCaller("test", fake)

		resp, err := caller.Call(context.Background(), llm.Request{})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Content).To(Equal("ok"))
	})

	It("trips open after repeated consecutive failures and rejects further calls", func() {
		fake := &llm.Fake{Errors: []error{errors.New("boom")}}
		caller := llm.NewBreakerCaller("test-trip", fake)

		for i := 0; i < 6; i++ {
			_, _ = caller.Call(context.Background(), llm.Request{})
		}

		_, err := caller.Call(context.Background(), llm.Request{})
		Expect(err).To(HaveOccurred())
	})
})
