// Package auth authenticates API callers and maps them to marshal roles.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/snippet-marshal/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string
	// OIDCAudience is the expected aud of access tokens; OIDCClientID is
	// used when empty.
	OIDCAudience string
	// ClientRoles grants roles to client-credentials tokens, keyed by the
	// azp or client_id claim. Used only when the token carries no roles.
	ClientRoles map[string][]string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	raw := strings.ToLower(strings.TrimSpace(env.String("AUTH_MODE", string(ModeDisabled))))
	mode := Mode(raw)
	switch mode {
	case ModeOIDC, ModeDev, ModeDisabled:
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", raw)
	}
	clientRoles, err := parseClientRoles(env.String("OIDC_CLIENT_ROLES", ""))
	if err != nil {
		return Config{}, fmt.Errorf("OIDC_CLIENT_ROLES: %w", err)
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("OIDC_CLIENT_ID", ""),
		OIDCAudience:  env.String("OIDC_AUDIENCE", ""),
		ClientRoles:   clientRoles,
		DevSubject:    env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" || strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM and AUTH_EMAIL_CLAIM are required")
	}
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" && strings.TrimSpace(c.OIDCAudience) == "" {
			return errors.New("OIDC_CLIENT_ID or OIDC_AUDIENCE is required when AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	for client, roles := range c.ClientRoles {
		for _, role := range roles {
			if _, ok := roleLevels[role]; !ok {
				return fmt.Errorf("client %q has unknown role %q", client, role)
			}
		}
	}
	return nil
}

// audience is the aud value tokens must carry.
func (c Config) audience() string {
	if aud := strings.TrimSpace(c.OIDCAudience); aud != "" {
		return aud
	}
	return strings.TrimSpace(c.OIDCClientID)
}

// parseClientRoles reads "ci-bot=editor;ops=admin|viewer".
func parseClientRoles(value string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		client, roles, ok := strings.Cut(entry, "=")
		client = strings.TrimSpace(client)
		if !ok || client == "" {
			return nil, fmt.Errorf("entry %q must look like client=role", entry)
		}
		parsed := parseCSV(strings.ReplaceAll(roles, "|", ","))
		if len(parsed) == 0 {
			return nil, fmt.Errorf("client %q has no roles", client)
		}
		out[client] = parsed
	}
	return out, nil
}

// parseCSV lowercases, trims and dedupes a comma separated list.
func parseCSV(value string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
