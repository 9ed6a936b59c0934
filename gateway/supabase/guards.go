package supabase

import (
	"context"

	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
	"github.com/Zelalemaklilu/fruity-pink-messenger/resilience"
)

// Guards reports the REST guards as a health check named "rest". An open
// circuit is unhealthy; a probing circuit or a full bulkhead is degraded.
func (c *Client) Guards() health.Checker {
	return health.NewCheckerFunc("rest", c.checkGuards)
}

func (c *Client) checkGuards(context.Context) health.Result {
	reads, writes := c.reads.Stats(), c.writes.Stats()
	details := map[string]any{"reads": reads, "writes": writes}

	state := func(want resilience.State) bool {
		for _, s := range []resilience.ExecutorStats{reads, writes} {
			if s.Circuit != nil && s.Circuit.State == want {
				return true
			}
		}
		return false
	}
	switch {
	case state(resilience.StateOpen):
		return health.Unhealthy("circuit open", resilience.ErrCircuitOpen).WithDetails(details)
	case state(resilience.StateHalfOpen):
		return health.Degraded("circuit probing", nil).WithDetails(details)
	case reads.Bulkhead != nil && reads.Bulkhead.Available() == 0:
		return health.Degraded("reads saturated", gateway.ErrTransient).WithDetails(details)
	default:
		return health.Healthy("circuit closed").WithDetails(details)
	}
}
