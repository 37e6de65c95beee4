package study

import (
	"context"
	"log"
	"time"

	"opttrack/internal/study/domain"
)

// invokeTimeout is the max time allowed for a single async callback invocation.
const invokeTimeout = 5 * time.Second

// InvokeAsync runs the callback in a goroutine with a short timeout so the
// optimization loop is not blocked by a slow tracking backend; errors are logged.
//
// cb, s, and trial may be nil; InvokeAsync returns immediately without starting
// a goroutine. The goroutine uses context.Background() with invokeTimeout so
// cancellation of the driver's context does not abort an in-flight report.
func InvokeAsync(cb Callback, ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) {
	if cb == nil || s == nil || trial == nil {
		return
	}
	go func() {
		invokeCtx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
		defer cancel()
		if err := cb.OnTrialComplete(invokeCtx, s, trial); err != nil {
			log.Printf("study: async callback failed: %v", err)
		}
	}()
}
