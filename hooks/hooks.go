package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

// EventType defines the type of a hook event. Types starting with "Pre" are
// dispatched synchronously and a listener error cancels the operation.
type EventType string

// --- Event Type Constants ---
const (
	// Write path
	EventPostCommit        EventType = "PostCommit"
	EventPostWALRotate     EventType = "PostWALRotate"
	EventPostWALTruncate   EventType = "PostWALTruncate"
	EventPostSubsystemHalt EventType = "PostSubsystemHalt"

	// Checkpoint and recovery
	EventPreCheckpoint  EventType = "PreCheckpoint"
	EventPostCheckpoint EventType = "PostCheckpoint"
	EventPostRecovery   EventType = "PostRecovery"

	// Promotion
	EventPrePromotionRequest   EventType = "PrePromotionRequest"
	EventPostPromotionDenied   EventType = "PostPromotionDenied"
	EventPostPromotionOverride EventType = "PostPromotionOverride"
	EventPostPromotion         EventType = "PostPromotion"
	EventPostDemotion          EventType = "PostDemotion"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Errors from
	// Pre events cancel the operation; errors from Post events are logged.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int
	// IsAsync asks for asynchronous dispatch of Post events.
	IsAsync() bool
}

// --- Payloads ---

// CommitPayload describes an acknowledged commit.
type CommitPayload struct {
	CommitID  core.CommitID
	Mutations int
}

func NewPostCommitEvent(payload CommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCommit, payload: payload}
}

// PostWALRotatePayload contains information about a WAL segment rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// WALTruncatePayload lists the segments removed below a checkpoint cutoff.
type WALTruncatePayload struct {
	Cutoff          core.CommitID
	RemovedSegments []uint64
}

func NewPostWALTruncateEvent(payload WALTruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALTruncate, payload: payload}
}

// HaltPayload reports a subsystem entering the halted state.
type HaltPayload struct {
	Subsystem string
	Err       error
}

func NewPostSubsystemHaltEvent(payload HaltPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSubsystemHalt, payload: payload}
}

// PreCheckpointPayload carries the cutoff chosen for a checkpoint about to
// be written.
type PreCheckpointPayload struct {
	Cutoff core.CommitID
}

func NewPreCheckpointEvent(payload PreCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCheckpoint, payload: payload}
}

// PostCheckpointPayload describes a durable checkpoint.
type PostCheckpointPayload struct {
	CommitID core.CommitID
	Parts    int
	Versions int
	Duration time.Duration
}

func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PostRecoveryPayload summarizes a completed recovery.
type PostRecoveryPayload struct {
	CheckpointCommitID core.CommitID
	LastCommitID       core.CommitID
	RecordsReplayed    int
	TailDiscarded      bool
	Duration           time.Duration
}

func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// PromotionRequestPayload is sent before a promotion request is accepted.
type PromotionRequestPayload struct {
	RequestID   string
	CandidateID string
	Force       bool
}

func NewPrePromotionRequestEvent(payload PromotionRequestPayload) HookEvent {
	return &BaseEvent{eventType: EventPrePromotionRequest, payload: payload}
}

// PromotionDeniedPayload carries the denial evidence.
type PromotionDeniedPayload struct {
	RequestID   string
	CandidateID string
	Code        string
	Message     string
}

func NewPostPromotionDeniedEvent(payload PromotionDeniedPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPromotionDenied, payload: payload}
}

// PromotionOverridePayload records that the write-loss check was bypassed.
type PromotionOverridePayload struct {
	RequestID          string
	CandidateID        string
	CandidateCommitID  core.CommitID
	PrimaryAckedCommit core.CommitID
}

func NewPostPromotionOverrideEvent(payload PromotionOverridePayload) HookEvent {
	return &BaseEvent{eventType: EventPostPromotionOverride, payload: payload}
}

// PromotionPayload describes a completed authority transition.
type PromotionPayload struct {
	RequestID          string
	PrimaryNodeID      string
	PreviousPrimaryID  string
	TransitionCommitID core.CommitID
	Forced             bool
}

func NewPostPromotionEvent(payload PromotionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPromotion, payload: payload}
}

// DemotionPayload reports that a node gave up write authority.
type DemotionPayload struct {
	NodeID   string
	CommitID core.CommitID
}

func NewPostDemotionEvent(payload DemotionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostDemotion, payload: payload}
}

// --- DefaultHookManager ---

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for eventType. Listeners with equal priority run
// in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool { return l[i].priority > item.priority })
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if !isPreHook && item.listener.IsAsync() {
			m.wg.Add(1)
			go func(it *listenerWithPriority) {
				defer m.wg.Done()
				if err := it.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", it.priority, "error", err)
				}
			}(item)
			continue
		}

		if err := item.listener.OnEvent(ctx, event); err != nil {
			if isPreHook {
				return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
			}
			m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Trigger is a nil-safe helper for components whose HookManager is optional.
func Trigger(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
