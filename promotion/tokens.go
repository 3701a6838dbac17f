package promotion

import (
	"errors"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnknownToken = errors.New("unknown confirmation token")
	ErrTokenExpired = errors.New("confirmation token expired")
)

// pending is a validated request waiting for confirmation. It only lives
// in memory: a restart forgets it and forces a fresh request.
type pending struct {
	requestID   string
	candidateID string
	token       string
	force       bool
	expiresAt   time.Time
}

// tokenStore holds pending confirmations keyed by request id.
type tokenStore struct {
	ttl     time.Duration
	clock   core.Clock
	byReqID *xsync.MapOf[string, pending]
}

func newTokenStore(ttl time.Duration, clock core.Clock) *tokenStore {
	return &tokenStore{
		ttl:     ttl,
		clock:   clock,
		byReqID: xsync.NewMapOf[string, pending](),
	}
}

// issue creates a token for a validated request.
func (s *tokenStore) issue(requestID, candidateID string, force bool) pending {
	p := pending{
		requestID:   requestID,
		candidateID: candidateID,
		token:       requestID + "." + uuid.NewString(),
		force:       force,
		expiresAt:   s.clock.Now().Add(s.ttl),
	}
	s.byReqID.Store(requestID, p)
	return p
}

// redeem consumes token. A token can be redeemed once; an expired token is
// dropped and returned with ErrTokenExpired.
func (s *tokenStore) redeem(token string) (pending, error) {
	requestID, ok := requestIDOf(token)
	if !ok {
		return pending{}, ErrUnknownToken
	}
	var (
		out pending
		err = ErrUnknownToken
	)
	now := s.clock.Now()
	s.byReqID.Compute(requestID, func(p pending, loaded bool) (pending, bool) {
		if !loaded || p.token != token {
			return p, !loaded
		}
		if now.After(p.expiresAt) {
			out, err = p, ErrTokenExpired
			return p, true
		}
		out, err = p, nil
		return p, true
	})
	return out, err
}

// expired drops and returns every pending request whose token lapsed.
func (s *tokenStore) expired() []pending {
	now := s.clock.Now()
	var out []pending
	s.byReqID.Range(func(id string, p pending) bool {
		if now.After(p.expiresAt) {
			out = append(out, p)
		}
		return true
	})
	for _, p := range out {
		s.byReqID.Delete(p.requestID)
	}
	return out
}

func requestIDOf(token string) (string, bool) {
	id, _, ok := strings.Cut(token, ".")
	return id, ok && id != ""
}
