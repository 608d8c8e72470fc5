package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// TokenVerifier is satisfied by *oidc.IDTokenVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator validates bearer tokens from the configured issuer.
// Human users carry roles in a claim; machine clients such as marshalctl
// running the client-credentials grant get theirs from Config.ClientRoles.
type OIDCAuthenticator struct {
	cfg      Config
	verifier TokenVerifier
	// claims decodes a verified token; replaced in tests.
	claims func(*oidc.IDToken, any) error
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return newOIDCAuthenticator(cfg, provider.Verifier(&oidc.Config{ClientID: cfg.audience()})), nil
}

func newOIDCAuthenticator(cfg Config, verifier TokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		cfg:      cfg,
		verifier: verifier,
		claims:   func(tok *oidc.IDToken, v any) error { return tok.Claims(v) },
	}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	tok, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := a.claims(tok, &claims); err != nil {
		return Identity{}, fmt.Errorf("decode claims: %w", err)
	}

	id := Identity{
		Subject: stringClaim(claims, "sub"),
		Email:   stringClaim(claims, a.cfg.EmailClaim),
		Roles:   rolesClaim(claims[a.cfg.RolesClaim]),
	}
	if len(id.Roles) == 0 {
		client := stringClaim(claims, "azp")
		if client == "" {
			client = stringClaim(claims, "client_id")
		}
		id.Roles = a.cfg.ClientRoles[client]
		if id.Subject == "" && client != "" {
			id.Subject = "client:" + client
		}
	}
	return id, nil
}

// New builds the authenticator for cfg.Mode. It returns nil for ModeDisabled.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// rolesClaim accepts a JSON array of strings or a comma separated string.
func rolesClaim(v any) []string {
	switch typed := v.(type) {
	case string:
		return parseCSV(typed)
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return parseCSV(strings.Join(parts, ","))
	default:
		return nil
	}
}
