package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

var _ hooks.HookListener = (*AuditLogListener)(nil)
var _ hooks.AuditSink = (*AuditLogListener)(nil)

// AuditLogListener appends promotion events to a JSON-lines file and fsyncs
// after every entry.
type AuditLogListener struct {
	mu     sync.Mutex
	file   sys.FileHandle
	now    func() time.Time
	logger *slog.Logger
}

// NewAuditLogListener opens (or creates) the audit trail at path.
func NewAuditLogListener(path string, logger *slog.Logger) (*AuditLogListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := sys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &AuditLogListener{
		file:   f,
		now:    time.Now,
		logger: logger.With("component", "AuditLogListener"),
	}, nil
}

// Register subscribes the listener to promotion outcomes. Overrides are not
// subscribed: the promotion controller writes them through Record before it
// transitions, and a failed write must stop the transition.
func (l *AuditLogListener) Register(m hooks.HookManager) {
	for _, et := range []hooks.EventType{
		hooks.EventPostPromotionDenied,
		hooks.EventPostPromotion,
		hooks.EventPostDemotion,
	} {
		m.Register(et, l)
	}
}

// Record writes entry and fsyncs the file.
func (l *AuditLogListener) Record(ctx context.Context, entry AuditEntry) error {
	if entry.Time.IsZero() {
		entry.Time = l.now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("fsync audit log: %w", err)
	}
	return nil
}

// AuditEntry aliases the hooks type so callers need a single import.
type AuditEntry = hooks.AuditEntry

// OnEvent converts promotion events into audit entries.
func (l *AuditLogListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	entry := AuditEntry{Event: string(event.Type())}
	switch p := event.Payload().(type) {
	case hooks.PromotionDeniedPayload:
		entry.RequestID, entry.CandidateID = p.RequestID, p.CandidateID
		entry.Details = map[string]string{"code": p.Code, "message": p.Message}
	case hooks.PromotionOverridePayload:
		entry.RequestID, entry.CandidateID, entry.Override = p.RequestID, p.CandidateID, true
		entry.Details = map[string]string{
			"candidate_commit_id":     strconv.FormatUint(uint64(p.CandidateCommitID), 10),
			"primary_acked_commit_id": strconv.FormatUint(uint64(p.PrimaryAckedCommit), 10),
		}
	case hooks.PromotionPayload:
		entry.RequestID, entry.CandidateID, entry.Override = p.RequestID, p.PrimaryNodeID, p.Forced
		entry.Details = map[string]string{
			"previous_primary_id":  p.PreviousPrimaryID,
			"transition_commit_id": strconv.FormatUint(uint64(p.TransitionCommitID), 10),
		}
	case hooks.DemotionPayload:
		entry.CandidateID = p.NodeID
		entry.Details = map[string]string{"commit_id": strconv.FormatUint(uint64(p.CommitID), 10)}
	default:
		l.logger.Error("Received promotion event with unexpected payload", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	return l.Record(ctx, entry)
}

// Priority runs the audit listener before anything else.
func (l *AuditLogListener) Priority() int { return 0 }

// IsAsync is false; an entry must be on disk before the event returns.
func (l *AuditLogListener) IsAsync() bool { return false }

// Close closes the underlying file.
func (l *AuditLogListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
