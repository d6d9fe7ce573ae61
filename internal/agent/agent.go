// Package agent extracts the caller's Agent identifier from a bearer token.
//
// The Agent is a URL-form claim whose path inside the token is configured
// (RERUM_AGENT_CLAIM), not fixed at compile time, so the token is otherwise
// treated as opaque: this package checks the signature and, separately,
// whether the token has expired, but commits to no other claim shape.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"rerum.dev/internal/apierr"
)

// Extractor pulls an Agent out of bearer tokens signed with a shared HS256
// secret, applying the bot-override exception to token expiry.
type Extractor struct {
	secret    []byte
	claimPath string
	botAgent  string
}

// NewExtractor builds an Extractor. claimPath names the JWT claim (a JSON
// key, typically itself a URL) holding the caller's Agent URL; botAgent is
// the Agent value exempted from expired-token rejection.
func NewExtractor(secret []byte, claimPath, botAgent string) *Extractor {
	return &Extractor{secret: secret, claimPath: claimPath, botAgent: botAgent}
}

// Result is the outcome of extracting an Agent from a bearer token.
type Result struct {
	Agent   string
	IsBot   bool
	Expired bool
}

// Extract validates the token's signature, decodes its claims, and returns
// the caller's Agent. An expired token is only accepted when its Agent
// matches the configured bot agent; otherwise it is reported as an
// apierr.ErrUnauthenticated error, same as a missing or malformed bearer.
func (e *Extractor) Extract(bearerToken string) (Result, error) {
	if bearerToken == "" {
		return Result{}, fmt.Errorf("%w: missing bearer token", apierr.ErrUnauthenticated)
	}

	token, err := jwt.Parse([]byte(bearerToken), jwt.WithKey(jwa.HS256, e.secret), jwt.WithValidate(false))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", apierr.ErrUnauthenticated, err)
	}

	claimValue, ok := token.Get(e.claimPath)
	if !ok {
		return Result{}, fmt.Errorf("%w: token missing agent claim %q", apierr.ErrUnauthenticated, e.claimPath)
	}
	agentURL, ok := claimValue.(string)
	if !ok || agentURL == "" {
		return Result{}, fmt.Errorf("%w: agent claim is not a non-empty string", apierr.ErrUnauthenticated)
	}

	isBot := e.botAgent != "" && agentURL == e.botAgent
	expired := false
	if exp := token.Expiration(); !exp.IsZero() && time.Now().After(exp) {
		expired = true
		if !isBot {
			return Result{}, fmt.Errorf("%w: %v", apierr.ErrUnauthenticated, errors.New("token has expired"))
		}
	}

	return Result{Agent: agentURL, IsBot: isBot, Expired: expired}, nil
}

// IsAuthorizedAgent implements the update-authorization predicate: a caller
// may mutate a document whose generatedBy it matches, or any document if
// it is the configured bot agent.
func (e *Extractor) IsAuthorizedAgent(caller, generatedBy string) bool {
	if caller == generatedBy {
		return true
	}
	return e.botAgent != "" && caller == e.botAgent
}
