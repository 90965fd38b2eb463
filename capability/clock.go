package capability

import (
	"context"
	"time"
)

// Clock backs core.clock.
type Clock struct {
	now func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Definition() *Definition {
	return &Definition{
		Name:    "core.clock",
		Methods: map[string]Func{"now": c.Now},
	}
}

// Now returns seconds since the Unix epoch as a float.
func (c *Clock) Now(ctx context.Context, args map[string]any) (any, error) {
	return float64(c.now().UnixNano()) / 1e9, nil
}
