package verify

import (
	"context"
	"time"

	"github.com/openclaw/soulflow/internal/models"
)

// StubVerifier stands in for a real verification agent in standalone mode.
// It accepts every result after a short pause, the same shape a production
// verifier would return.
type StubVerifier struct {
	Delay time.Duration
}

func (v *StubVerifier) Verify(ctx context.Context, role models.AgentRole, req Request) (bool, map[string]any, error) {
	if v.Delay > 0 {
		select {
		case <-time.After(v.Delay):
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}

	return true, map[string]any{
		"verifier":  string(role),
		"step":      req.StepName,
		"criteria":  req.Criteria,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
