package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/agenr-ai/agenr/pkg/config"
)

// tokenTTL bounds how long a prepared confirmation stays valid.
const tokenTTL = 5 * time.Minute

// PolicyGate implements the pre-execute confirmation policy. In confirm mode
// tokens are issued and accepted but not required; strict mode rejects an
// execute without a valid token.
type PolicyGate struct {
	mode config.ExecutePolicy

	mu     sync.Mutex
	tokens map[string]policyToken
}

type policyToken struct {
	principalID string
	businessID  string
	expiresAt   time.Time
}

func NewPolicyGate(mode config.ExecutePolicy) *PolicyGate {
	return &PolicyGate{mode: mode, tokens: map[string]policyToken{}}
}

// Prepare issues a confirmation token when the policy calls for one.
func (p *PolicyGate) Prepare(principalID, businessID string) (confirmationRequired bool, token string) {
	if p.mode == config.PolicyOff {
		return false, ""
	}

	b := make([]byte, 16)
	_, _ = rand.Read(b)
	token = hex.EncodeToString(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	p.tokens[token] = policyToken{
		principalID: principalID,
		businessID:  businessID,
		expiresAt:   time.Now().Add(tokenTTL),
	}
	return p.mode == config.PolicyStrict, token
}

// Check validates an execute attempt. Tokens are single-use.
func (p *PolicyGate) Check(principalID, businessID, token string) error {
	if p.mode != config.PolicyStrict {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()

	t, ok := p.tokens[token]
	if !ok || t.principalID != principalID || t.businessID != businessID {
		return ErrConfirmationRequired
	}
	delete(p.tokens, token)
	return nil
}

func (p *PolicyGate) prune() {
	now := time.Now()
	for k, t := range p.tokens {
		if t.expiresAt.Before(now) {
			delete(p.tokens, k)
		}
	}
}
