package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdoc/hooks"
)

// HaltAlerterListener logs an error line whenever a subsystem halts, so the
// operator sees the cause next to the rest of the process logs.
type HaltAlerterListener struct {
	logger *slog.Logger
}

func NewHaltAlerterListener(logger *slog.Logger) *HaltAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HaltAlerterListener{logger: logger.With("component", "HaltAlerterListener")}
}

func (l *HaltAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostSubsystemHalt {
		return nil
	}
	payload, ok := event.Payload().(hooks.HaltPayload)
	if !ok {
		l.logger.Error("Received halt event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	l.logger.Error("Subsystem halted; operator intervention required",
		"subsystem", payload.Subsystem,
		"error", payload.Err,
	)
	return nil
}

func (l *HaltAlerterListener) Priority() int { return 100 }

func (l *HaltAlerterListener) IsAsync() bool { return false }
