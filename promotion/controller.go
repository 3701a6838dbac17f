// Package promotion moves write authority from a primary to a replica.
//
// A request is validated from scratch, then confirmed with a short-lived
// token, and confirmation validates again before the authority marker is
// written. Nothing here is persisted: the marker written by the candidate
// is the only outcome a restart can observe.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultTokenTTL                = 30 * time.Second
	DefaultMaxStatusAge            = 5 * time.Second
	DefaultMaxReplicationStaleness = 10 * time.Second
)

// ErrInProgress is returned when a request arrives while another one has
// not finished.
var ErrInProgress = errors.New("promotion already in progress")

// Options configures a Controller.
type Options struct {
	Node        Node
	Probe       PrimaryProbe
	Replication ReplicationHealth
	// Audit receives force overrides before the transition. Without it a
	// forced request is denied.
	Audit hooks.AuditSink

	TokenTTL                time.Duration
	MaxStatusAge            time.Duration
	MaxReplicationStaleness time.Duration

	Clock       core.Clock
	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

// Ticket is the answer to a promotion request.
type Ticket struct {
	RequestID string
	// Token must be passed to Confirm before ExpiresAt. Empty when denied.
	Token     string
	State     State
	ExpiresAt time.Time
	Denial    *DenialReason
	Evidence  Evidence
}

// TransitionResult is the answer to a confirmation.
type TransitionResult struct {
	RequestID string
	State     State
	Marker    authority.Marker
	Denial    *DenialReason
	// Override is the write-loss denial bypassed by force, if any.
	Override *DenialReason
}

// Controller runs the promotion state machine for one candidate node.
type Controller struct {
	opts   Options
	node   Node
	probe  PrimaryProbe
	health ReplicationHealth
	audit  hooks.AuditSink
	clock  core.Clock
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager
	tokens *tokenStore

	mu         sync.Mutex
	state      State
	current    string
	lastDenial *DenialReason
}

// NewController creates a Controller in the Steady state.
func NewController(opts Options) (*Controller, error) {
	if opts.Node == nil {
		return nil, errors.New("promotion: Node is required")
	}
	if opts.Probe == nil {
		return nil, errors.New("promotion: Probe is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.MaxStatusAge <= 0 {
		opts.MaxStatusAge = DefaultMaxStatusAge
	}
	if opts.MaxReplicationStaleness <= 0 {
		opts.MaxReplicationStaleness = DefaultMaxReplicationStaleness
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("promotion")
	}
	return &Controller{
		opts:   opts,
		node:   opts.Node,
		probe:  opts.Probe,
		health: opts.Replication,
		audit:  opts.Audit,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "PromotionController", "node_id", opts.Node.NodeID()),
		tracer: opts.Tracer,
		hooks:  opts.HookManager,
		tokens: newTokenStore(opts.TokenTTL, opts.Clock),
		state:  StateSteady,
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.state
}

// DenyReason returns the most recent denial, or nil.
func (c *Controller) DenyReason() *DenialReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDenial
}

func (c *Controller) step(e Event) error {
	next, err := Transition(c.state, e)
	if err != nil {
		return err
	}
	c.logger.Debug("Promotion state change", "from", c.state, "event", e, "to", next, "request_id", c.current)
	c.state = next
	return nil
}

func (c *Controller) expireLocked() {
	for _, p := range c.tokens.expired() {
		if p.requestID == c.current && c.step(EventExpire) == nil {
			c.logger.Info("Promotion token expired", "request_id", p.requestID)
			c.current = ""
		}
	}
}

// RequestPromotion validates candidateID for promotion. A passing request
// returns a Validated ticket carrying a confirmation token. A denial
// returns a Denied ticket and a REJECT wrapping the DenialReason; the
// controller is Steady again afterwards.
//
// force bypasses only the no-acknowledged-write-loss checks and requires
// an audit sink.
func (c *Controller) RequestPromotion(ctx context.Context, candidateID string, force bool) (Ticket, error) {
	ctx, span := c.tracer.Start(ctx, "promotion.Request")
	defer span.End()
	span.SetAttributes(attribute.String("promotion.candidate", candidateID), attribute.Bool("promotion.force", force))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	if c.state != StateSteady {
		return Ticket{RequestID: c.current, State: c.state}, core.Reject("promotion.request",
			fmt.Errorf("%w: request %s is %s", ErrInProgress, c.current, c.state))
	}

	requestID := uuid.NewString()
	span.SetAttributes(attribute.String("promotion.request_id", requestID))
	if err := c.step(EventRequest); err != nil {
		return Ticket{State: c.state}, err
	}
	c.current = requestID
	c.logger.Info("Promotion requested", "request_id", requestID, "candidate", candidateID, "force", force)

	if err := hooks.Trigger(ctx, c.hooks, hooks.NewPrePromotionRequestEvent(hooks.PromotionRequestPayload{
		RequestID:   requestID,
		CandidateID: candidateID,
		Force:       force,
	})); err != nil {
		return c.denyRequest(ctx, span, requestID, candidateID, &DenialReason{
			Code:      CodeVetoed,
			Invariant: InvariantFailClosed,
			Message:   "request vetoed by a pre-promotion hook",
			Cause:     err,
		})
	}
	if force && c.audit == nil {
		return c.denyRequest(ctx, span, requestID, candidateID, &DenialReason{
			Code:      CodeAuditUnavailable,
			Invariant: InvariantFailClosed,
			Message:   "force requires an audit trail to record the override",
		})
	}

	if err := c.step(EventValidate); err != nil {
		return Ticket{RequestID: requestID, State: c.state}, err
	}
	ev, denial := c.validate(ctx, candidateID, force)
	if denial != nil {
		return c.denyRequest(ctx, span, requestID, candidateID, denial)
	}
	if err := c.step(EventPass); err != nil {
		return Ticket{RequestID: requestID, State: c.state}, err
	}

	p := c.tokens.issue(requestID, candidateID, force)
	if ev.Overridden != nil {
		c.logger.Warn("Write-loss check bypassed by force; override will be audited on confirm",
			"request_id", requestID, "code", ev.Overridden.Code, "gap", ev.Overridden.Gap)
	}
	c.logger.Info("Promotion validated", "request_id", requestID, "candidate_commit_id", uint64(ev.CandidateCommitID),
		"primary_acked_commit_id", uint64(ev.Primary.AckedCommitID), "expires_at", p.expiresAt)
	return Ticket{
		RequestID: requestID,
		Token:     p.token,
		State:     c.state,
		ExpiresAt: p.expiresAt,
		Evidence:  ev,
	}, nil
}

func (c *Controller) denyRequest(ctx context.Context, span trace.Span, requestID, candidateID string, d *DenialReason) (Ticket, error) {
	if err := c.deny(ctx, span, requestID, candidateID, d); err != nil {
		return Ticket{RequestID: requestID, State: c.state}, err
	}
	return Ticket{RequestID: requestID, State: StateDenied, Denial: d}, core.Reject("promotion.request", d)
}

// deny moves through Denied back to Steady and publishes the reason.
func (c *Controller) deny(ctx context.Context, span trace.Span, requestID, candidateID string, d *DenialReason) error {
	d.RequestID, d.CandidateID = requestID, candidateID
	if err := c.step(EventFail); err != nil {
		return err
	}
	c.lastDenial = d

	span.SetStatus(codes.Error, string(d.Code))
	span.SetAttributes(attribute.String("promotion.denial", string(d.Code)))
	c.logger.Warn("Promotion denied", "request_id", requestID, "candidate", candidateID,
		"code", d.Code, "invariant", d.Invariant, "reason", d.Message)
	_ = hooks.Trigger(ctx, c.hooks, hooks.NewPostPromotionDeniedEvent(hooks.PromotionDeniedPayload{
		RequestID:   requestID,
		CandidateID: candidateID,
		Code:        string(d.Code),
		Message:     d.Message,
	}))

	if err := c.step(EventReset); err != nil {
		return err
	}
	c.current = ""
	return nil
}

// Confirm redeems a token from RequestPromotion, validates again and, if
// the request still passes, writes the authority marker naming the
// candidate. Once the marker write starts the transition cannot be
// cancelled; if it fails, the marker on disk decides the outcome.
func (c *Controller) Confirm(ctx context.Context, token string) (TransitionResult, error) {
	ctx, span := c.tracer.Start(ctx, "promotion.Confirm")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.tokens.redeem(token)
	if errors.Is(err, ErrTokenExpired) && p.requestID == c.current && c.step(EventExpire) == nil {
		c.logger.Info("Promotion token expired", "request_id", p.requestID)
		c.current = ""
	}
	c.expireLocked()
	if err != nil {
		return TransitionResult{RequestID: p.requestID, State: c.state}, core.Reject("promotion.confirm", err)
	}
	if c.state != StateValidated || p.requestID != c.current {
		return TransitionResult{RequestID: p.requestID, State: c.state}, core.Reject("promotion.confirm", ErrUnknownToken)
	}
	span.SetAttributes(attribute.String("promotion.request_id", p.requestID), attribute.String("promotion.candidate", p.candidateID))

	if err := c.step(EventValidate); err != nil {
		return TransitionResult{RequestID: p.requestID, State: c.state}, err
	}
	ev, denial := c.validate(ctx, p.candidateID, p.force)
	if denial == nil && ev.Overridden != nil {
		if err := c.recordOverride(ctx, p, ev); err != nil {
			denial = &DenialReason{
				Code:      CodeAuditUnavailable,
				Invariant: InvariantFailClosed,
				Message:   "the override could not be recorded in the audit trail",
				Cause:     err,
			}
		}
	}
	if denial != nil {
		if err := c.deny(ctx, span, p.requestID, p.candidateID, denial); err != nil {
			return TransitionResult{RequestID: p.requestID, State: c.state}, err
		}
		return TransitionResult{RequestID: p.requestID, State: StateDenied, Denial: denial}, core.Reject("promotion.confirm", denial)
	}
	if err := c.step(EventPass); err != nil {
		return TransitionResult{RequestID: p.requestID, State: c.state}, err
	}

	// --- Transitioning: no way back once the marker write starts ---
	if err := c.step(EventExecute); err != nil {
		return TransitionResult{RequestID: p.requestID, State: c.state}, err
	}
	previous := ev.Primary.NodeID
	marker, err := c.node.AssumeAuthority(ctx, previous)
	if err != nil {
		return c.resolveFailedTransition(ctx, span, p, previous, ev, err)
	}
	return c.completeTransition(ctx, p, marker, ev)
}

func (c *Controller) completeTransition(ctx context.Context, p pending, marker authority.Marker, ev Evidence) (TransitionResult, error) {
	if err := c.step(EventCommit); err != nil {
		return TransitionResult{RequestID: p.requestID, State: c.state}, err
	}
	c.logger.Info("Promotion complete", "request_id", p.requestID, "primary", marker.PrimaryNodeID,
		"previous_primary", marker.PreviousPrimaryID, "transition_commit_id", uint64(marker.TransitionCommitID),
		"forced", ev.Overridden != nil)
	_ = hooks.Trigger(ctx, c.hooks, hooks.NewPostPromotionEvent(hooks.PromotionPayload{
		RequestID:          p.requestID,
		PrimaryNodeID:      marker.PrimaryNodeID,
		PreviousPrimaryID:  marker.PreviousPrimaryID,
		TransitionCommitID: marker.TransitionCommitID,
		Forced:             ev.Overridden != nil,
	}))
	res := TransitionResult{
		RequestID: p.requestID,
		State:     StateTransitioned,
		Marker:    marker,
		Override:  ev.Overridden,
	}
	if err := c.step(EventSettle); err != nil {
		return res, err
	}
	c.current = ""
	return res, nil
}

// resolveFailedTransition reads the marker back after a failed write. The
// write either took effect or it did not; there is no third outcome.
func (c *Controller) resolveFailedTransition(ctx context.Context, span trace.Span, p pending, previous string, ev Evidence, cause error) (TransitionResult, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "transition_failed")

	marker, found, rerr := c.node.Authority()
	if rerr == nil && found && marker.HeldBy(p.candidateID) && marker.PreviousPrimaryID == previous {
		c.logger.Error("Authority marker write reported an error but the new marker is in place",
			"request_id", p.requestID, "error", cause)
		res, err := c.completeTransition(ctx, p, marker, ev)
		return res, errors.Join(cause, err)
	}

	c.logger.Error("Authority transition failed; previous authority stands",
		"request_id", p.requestID, "error", cause)
	if err := c.step(EventAbort); err != nil {
		cause = errors.Join(cause, err)
	}
	c.current = ""
	if rerr != nil {
		cause = errors.Join(cause, rerr)
	}
	return TransitionResult{RequestID: p.requestID, State: c.state}, cause
}

func (c *Controller) recordOverride(ctx context.Context, p pending, ev Evidence) error {
	d := ev.Overridden
	details := d.Details()
	details["primary_id"] = ev.Primary.NodeID
	if err := c.audit.Record(ctx, hooks.AuditEntry{
		Time:        c.clock.Now().UTC(),
		Event:       string(hooks.EventPostPromotionOverride),
		RequestID:   p.requestID,
		CandidateID: p.candidateID,
		Override:    true,
		Details:     details,
	}); err != nil {
		c.logger.Error("Failed to record promotion override", "request_id", p.requestID, "error", err)
		return err
	}
	c.logger.Warn("Promotion override recorded", "request_id", p.requestID, "code", d.Code,
		"candidate_commit_id", uint64(d.CandidateCommitID), "primary_acked_commit_id", uint64(d.PrimaryAckedCommitID))
	_ = hooks.Trigger(ctx, c.hooks, hooks.NewPostPromotionOverrideEvent(hooks.PromotionOverridePayload{
		RequestID:          p.requestID,
		CandidateID:        p.candidateID,
		CandidateCommitID:  d.CandidateCommitID,
		PrimaryAckedCommit: d.PrimaryAckedCommitID,
	}))
	return nil
}
