package inference

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/observability"
)

// Reclaimer releases device memory after a run. Implementations never fail
// the caller.
type Reclaimer interface {
	Reclaim(ctx context.Context)
}

// ExecReclaimer runs an optional reclaim command and then returns freed host
// memory to the OS
type ExecReclaimer struct {
	cmd    *Command // nil skips the external step
	logger zerolog.Logger
}

// NewExecReclaimer creates a reclaimer. cmd may be nil.
func NewExecReclaimer(cmd *Command, logger zerolog.Logger) *ExecReclaimer {
	return &ExecReclaimer{
		cmd:    cmd,
		logger: logger.With().Str("component", "reclaimer").Logger(),
	}
}

// Reclaim is best-effort: failures and panics are logged and counted
func (r *ExecReclaimer) Reclaim(ctx context.Context) {
	success := true
	defer func() {
		if p := recover(); p != nil {
			success = false
			r.logger.Error().Interface("panic", p).Msg("Device memory reclaim panicked")
		}
		observability.RecordReclaim(success)
	}()

	if r.cmd != nil {
		// A cancelled request must still reclaim.
		if err := r.cmd.Run(context.WithoutCancel(ctx), nil); err != nil {
			success = false
			r.logger.Warn().Err(err).Msg("Device memory reclaim command failed")
		}
	}

	debug.FreeOSMemory()
}

// ReclaimFunc adapts a function to the Reclaimer interface
type ReclaimFunc func(ctx context.Context)

// Reclaim calls f
func (f ReclaimFunc) Reclaim(ctx context.Context) {
	f(ctx)
}

// String implements fmt.Stringer for logs
func (r *ExecReclaimer) String() string {
	if r.cmd == nil {
		return "host-only"
	}
	return fmt.Sprintf("exec:%s", r.cmd.Executable())
}
