package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyderes/findings-ingestion-service/internal/failures"
)

// DefaultLifetime is how long a renewed credential is used before the provider renews
// it again. It sits below the identity platform's one hour token validity.
const DefaultLifetime = 55 * time.Minute

// DefaultTimeout bounds a single renewal request.
const DefaultTimeout = 30 * time.Second

// Credential is an opaque access token and the instant it stops being valid.
// A zero ExpiresAt means the issuer did not report one.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Renewer obtains a fresh credential from the identity platform.
type Renewer interface {
	Renew(ctx context.Context) (Credential, error)
}

// RenewerFunc adapts a function to the Renewer interface.
type RenewerFunc func(ctx context.Context) (Credential, error)

// Renew calls f(ctx).
func (f RenewerFunc) Renew(ctx context.Context) (Credential, error) { return f(ctx) }

// State is the credential currently held and the instant the provider renews it.
type State struct {
	Credential Credential
	Expiry     time.Time
}

// Refresh returns state unchanged while now is before its expiry. Otherwise it calls
// renew and returns the new credential with an expiry lifetime after now, clamped to
// the credential's own expiry when that comes first. A renewal error is an
// AuthenticationFailure.
func Refresh(state State, now time.Time, lifetime time.Duration, renew func() (Credential, error)) (State, error) {
	if state.Credential.Token != "" && now.Before(state.Expiry) {
		return state, nil
	}

	cred, err := renew()
	if err != nil {
		return state, failures.New(failures.AuthenticationFailure, "renew credential", err)
	}
	if cred.Token == "" {
		return state, failures.New(failures.AuthenticationFailure, "renew credential", errors.New("identity platform returned an empty token"))
	}

	expiry := now.Add(lifetime)
	if !cred.ExpiresAt.IsZero() && cred.ExpiresAt.Before(expiry) {
		expiry = cred.ExpiresAt
	}
	return State{Credential: cred, Expiry: expiry}, nil
}

// Provider hands out a valid credential, renewing it when stale. It is safe for
// concurrent use; concurrent callers wait on a single renewal.
type Provider struct {
	renewer  Renewer
	lifetime time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Provider.
type Option func(*Provider)

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.lifetime = d
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider creates a provider that renews through r.
func NewProvider(r Renewer, opts ...Option) *Provider {
	p := &Provider{
		renewer:  r,
		lifetime: DefaultLifetime,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Credential returns a credential that is valid at the time of the call. A renewal
// that outlasts the provider's timeout fails with an AuthenticationFailure.
func (p *Provider) Credential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	renewed := false
	next, err := Refresh(p.state, now, p.lifetime, func() (Credential, error) {
		renewed = true
		renewCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.renewer.Renew(renewCtx)
	})
	if err != nil {
		p.logger.Error("credential renewal failed", "error", err)
		return Credential{}, err
	}
	if renewed {
		p.logger.Info("credential renewed", "expiry", next.Expiry.UTC().Format(time.RFC3339))
	}
	p.state = next
	return next.Credential, nil
}

// Token returns just the token string of a valid credential.
func (p *Provider) Token(ctx context.Context) (string, error) {
	cred, err := p.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain credential: %w", err)
	}
	return cred.Token, nil
}
