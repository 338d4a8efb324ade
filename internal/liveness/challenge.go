// Package liveness implements the two-frame challenge-response check
package liveness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/FaceGate/internal/config"
)

// Kind is the action a challenge asks for
type Kind string

const (
	KindTurnLeft  Kind = "turn_left"
	KindTurnRight Kind = "turn_right"
	KindBlink     Kind = "blink"
	KindOpenMouth Kind = "open_mouth"
)

// AllKinds lists every supported challenge kind
var AllKinds = []Kind{KindTurnLeft, KindTurnRight, KindBlink, KindOpenMouth}

// DefaultExpiry is how long a client has to answer a challenge
const DefaultExpiry = 15 * time.Second

// Valid reports whether k is a supported kind
func (k Kind) Valid() bool {
	switch k {
	case KindTurnLeft, KindTurnRight, KindBlink, KindOpenMouth:
		return true
	}
	return false
}

// Description returns the prompt shown to the user
func (k Kind) Description() string {
	switch k {
	case KindTurnLeft:
		return "Please turn your head to the left"
	case KindTurnRight:
		return "Please turn your head to the right"
	case KindBlink:
		return "Please blink your eyes"
	case KindOpenMouth:
		return "Please open your mouth"
	default:
		return ""
	}
}

// Challenge is an issued challenge
type Challenge struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Description string        `json:"description"`
	ExpiresIn   time.Duration `json:"-"`
}

// ExpiresInSeconds returns the expiry as whole seconds
func (c Challenge) ExpiresInSeconds() int {
	return int(c.ExpiresIn / time.Second)
}

// Issuer hands out random challenges
type Issuer struct {
	kinds  []Kind
	expiry time.Duration
	store  ChallengeStore
}

// NewIssuer creates an issuer for the configured kinds. store may be nil when
// challenges are not bound to verifications.
func NewIssuer(cfg config.ChallengeConfig, store ChallengeStore) *Issuer {
	is := &Issuer{
		expiry: time.Duration(cfg.TimeoutSeconds) * time.Second,
		store:  store,
	}
	if is.expiry <= 0 {
		is.expiry = DefaultExpiry
	}

	for _, t := range cfg.ChallengeTypes {
		if k := Kind(t); k.Valid() {
			is.kinds = append(is.kinds, k)
		}
	}
	if len(is.kinds) == 0 {
		is.kinds = AllKinds
	}

	return is
}

// Issue picks a kind uniformly at random
func (is *Issuer) Issue() Challenge {
	kind := is.kinds[rand.IntN(len(is.kinds))]
	return Challenge{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: kind.Description(),
		ExpiresIn:   is.expiry,
	}
}

// IssueBound issues a challenge and records it so that a later verification
// can be tied to it
func (is *Issuer) IssueBound(ctx context.Context) (Challenge, error) {
	ch := is.Issue()
	if is.store == nil {
		return ch, nil
	}
	if err := is.store.Put(ctx, ch); err != nil {
		return Challenge{}, fmt.Errorf("failed to store challenge: %w", err)
	}
	return ch, nil
}

// Redeem consumes a bound challenge and returns its kind
func (is *Issuer) Redeem(ctx context.Context, id string) (Kind, error) {
	if is.store == nil {
		return "", ErrChallengeNotFound
	}
	return is.store.Take(ctx, id)
}
