package credentials

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/cyderes/findings-ingestion-service/internal/config"
)

// ClientCredentialsRenewer obtains tokens with the OAuth2 client-credentials grant
// against the identity platform's token endpoint.
type ClientCredentialsRenewer struct {
	cfg clientcredentials.Config
}

// NewClientCredentialsRenewer builds a renewer for the given identity parameters.
func NewClientCredentialsRenewer(clientID, clientSecret, tokenURL string, scopes ...string) *ClientCredentialsRenewer {
	return &ClientCredentialsRenewer{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

// Renew requests a new access token.
func (r *ClientCredentialsRenewer) Renew(ctx context.Context) (Credential, error) {
	tok, err := r.cfg.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	return Credential{Token: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// StaticRenewer returns a fixed token. It is meant for local runs against emulators.
type StaticRenewer struct {
	Token string
}

// Renew returns the configured token.
func (r StaticRenewer) Renew(context.Context) (Credential, error) {
	if r.Token == "" {
		return Credential{}, errors.New("no static token configured")
	}
	return Credential{Token: r.Token}, nil
}

// NewRenewer picks a renewer from configuration. A static token wins over identity
// parameters.
func NewRenewer(cfg config.CredentialsConfig) (Renewer, error) {
	if cfg.StaticToken != "" {
		return StaticRenewer{Token: cfg.StaticToken}, nil
	}
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil, errors.New("identity parameters are incomplete")
	}
	return NewClientCredentialsRenewer(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.Scope), nil
}
