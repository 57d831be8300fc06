package memory

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

// However many completions are attempted, the first one is kept.
func TestCompletionIsExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first terminal status sticks", prop.ForAll(
		func(outcomes []bool) bool {
			if len(outcomes) == 0 {
				return true
			}
			s := New()
			ctx := context.Background()
			if err := s.CreateToolCall(ctx, &store.ToolCall{ID: "c", Tenant: "t", Status: store.CallPending, CalledAt: time.Now()}); err != nil {
				return false
			}
			statusOf := func(ok bool) store.CallStatus {
				if ok {
					return store.CallCompleted
				}
				return store.CallFailed
			}
			for i, ok := range outcomes {
				now := time.Now()
				err := s.CompleteToolCall(ctx, &store.ToolCall{ID: "c", Tenant: "t", Status: statusOf(ok), CompletedAt: &now})
				if (i == 0) != (err == nil) {
					return false
				}
			}
			got, err := s.GetToolCall(ctx, "t", "c")
			return err == nil && got.Status == statusOf(outcomes[0])
		},
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}
