package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe
type Result struct {
	Healthy  bool
	Message  string
	Duration time.Duration
}

// Checker performs a single health probe
type Checker interface {
	Check(ctx context.Context) Result
}
