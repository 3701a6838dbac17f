package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder appends its name to a shared log when called.
type recorder struct {
	name     string
	priority int
	async    bool
	err      error
	delay    time.Duration

	mu   *sync.Mutex
	log  *[]string
	seen []HookEvent
}

func (r *recorder) OnEvent(ctx context.Context, event HookEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.seen = append(r.seen, event)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) Priority() int { return r.priority }
func (r *recorder) IsAsync() bool { return r.async }

type recorderSet struct {
	mu  sync.Mutex
	log []string
}

func (s *recorderSet) add(name string, priority int) *recorder {
	return &recorder{name: name, priority: priority, mu: &s.mu, log: &s.log}
}

func (s *recorderSet) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func TestHookManager_PriorityOrder(t *testing.T) {
	var set recorderSet
	m := NewHookManager(nil)
	m.Register(EventPostCheckpoint, set.add("late", 10))
	m.Register(EventPostCheckpoint, set.add("early", -1))
	m.Register(EventPostCheckpoint, set.add("middle-1", 5))
	m.Register(EventPostCheckpoint, set.add("middle-2", 5))
	m.Register(EventPostRecovery, set.add("other-event", 0))

	require.NoError(t, m.Trigger(context.Background(), NewPostCheckpointEvent(PostCheckpointPayload{CommitID: 7})))
	assert.Equal(t, []string{"early", "middle-1", "middle-2", "late"}, set.calls())
}

func TestHookManager_PreHookVetoes(t *testing.T) {
	var set recorderSet
	veto := errors.New("maintenance window")
	m := NewHookManager(nil)
	first := set.add("first", 0)
	blocker := set.add("blocker", 1)
	blocker.err = veto
	m.Register(EventPrePromotionRequest, first)
	m.Register(EventPrePromotionRequest, blocker)
	m.Register(EventPrePromotionRequest, set.add("never", 2))

	err := m.Trigger(context.Background(), NewPrePromotionRequestEvent(PromotionRequestPayload{CandidateID: "node-b"}))
	require.ErrorIs(t, err, veto)
	assert.Contains(t, err.Error(), string(EventPrePromotionRequest))
	assert.Equal(t, []string{"first", "blocker"}, set.calls())

	p, ok := first.seen[0].Payload().(PromotionRequestPayload)
	require.True(t, ok)
	assert.Equal(t, "node-b", p.CandidateID)
}

func TestHookManager_PostHookErrorsAreLogged(t *testing.T) {
	var set recorderSet
	m := NewHookManager(nil)
	failing := set.add("failing", 0)
	failing.err = errors.New("sink down")
	m.Register(EventPostCommit, failing)
	m.Register(EventPostCommit, set.add("after", 1))

	err := m.Trigger(context.Background(), NewPostCommitEvent(CommitPayload{CommitID: 3, Mutations: 1}))
	assert.NoError(t, err)
	assert.Equal(t, []string{"failing", "after"}, set.calls())
}

func TestHookManager_AsyncPostHooks(t *testing.T) {
	var set recorderSet
	m := NewHookManager(nil)
	slow := set.add("slow", 0)
	slow.async = true
	slow.delay = 50 * time.Millisecond
	m.Register(EventPostCommit, slow)
	m.Register(EventPostCommit, set.add("sync", 1))

	require.NoError(t, m.Trigger(context.Background(), NewPostCommitEvent(CommitPayload{CommitID: 1})))
	assert.Equal(t, []string{"sync"}, set.calls(), "async listener must not block Trigger")

	m.Stop()
	assert.ElementsMatch(t, []string{"sync", "slow"}, set.calls())
}

func TestHookManager_AsyncIgnoredForPreHooks(t *testing.T) {
	var set recorderSet
	m := NewHookManager(nil)
	r := set.add("pre", 0)
	r.async = true
	r.err = errors.New("no")
	m.Register(EventPreCheckpoint, r)

	err := m.Trigger(context.Background(), NewPreCheckpointEvent(PreCheckpointPayload{Cutoff: 9}))
	assert.Error(t, err, "pre hooks always run synchronously")
}

func TestHookManager_ConcurrentRegisterAndTrigger(t *testing.T) {
	m := NewHookManager(nil)
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Register(EventPostCommit, listenerCounter{n: &calls, priority: i})
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Trigger(context.Background(), NewPostCommitEvent(CommitPayload{CommitID: 1}))
		}()
	}
	wg.Wait()

	calls.Store(0)
	require.NoError(t, m.Trigger(context.Background(), NewPostCommitEvent(CommitPayload{CommitID: 2})))
	assert.Equal(t, int64(8), calls.Load())
}

type listenerCounter struct {
	n        *atomic.Int64
	priority int
}

func (l listenerCounter) OnEvent(context.Context, HookEvent) error { l.n.Add(1); return nil }
func (l listenerCounter) Priority() int                            { return l.priority }
func (l listenerCounter) IsAsync() bool                            { return false }

func TestTrigger_NilManager(t *testing.T) {
	assert.NoError(t, Trigger(context.Background(), nil, NewPostCommitEvent(CommitPayload{CommitID: core.CommitID(1)})))
}

func TestEventConstructors(t *testing.T) {
	events := map[EventType]HookEvent{
		EventPostCommit:            NewPostCommitEvent(CommitPayload{}),
		EventPostWALRotate:         NewPostWALRotateEvent(PostWALRotatePayload{}),
		EventPostWALTruncate:       NewPostWALTruncateEvent(WALTruncatePayload{}),
		EventPostSubsystemHalt:     NewPostSubsystemHaltEvent(HaltPayload{}),
		EventPreCheckpoint:         NewPreCheckpointEvent(PreCheckpointPayload{}),
		EventPostCheckpoint:        NewPostCheckpointEvent(PostCheckpointPayload{}),
		EventPostRecovery:          NewPostRecoveryEvent(PostRecoveryPayload{}),
		EventPrePromotionRequest:   NewPrePromotionRequestEvent(PromotionRequestPayload{}),
		EventPostPromotionDenied:   NewPostPromotionDeniedEvent(PromotionDeniedPayload{}),
		EventPostPromotionOverride: NewPostPromotionOverrideEvent(PromotionOverridePayload{}),
		EventPostPromotion:         NewPostPromotionEvent(PromotionPayload{}),
		EventPostDemotion:          NewPostDemotionEvent(DemotionPayload{}),
	}
	for want, ev := range events {
		assert.Equal(t, want, ev.Type())
		assert.NotNil(t, ev.Payload())
	}
}
