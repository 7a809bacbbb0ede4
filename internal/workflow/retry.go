package workflow

import (
	"math/rand"
	"time"

	"github.com/seiforesti/scancore/internal/domain"
)

// backoffDelay returns the pause before retry attempt n (1-indexed) under
// strategy (§4.3's per-task retry strategy set).
func backoffDelay(strategy domain.TaskRetryStrategy, attempt int, base time.Duration) time.Duration {
	switch strategy {
	case domain.RetryImmediate:
		return 0
	case domain.RetryFixed:
		return base
	case domain.RetryExponentialBackoff:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	case domain.RetryJittered:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		jitter := time.Duration(rand.Int63n(int64(base) + 1))
		return d + jitter
	default:
		return base
	}
}

const defaultRetryBase = 2 * time.Second
