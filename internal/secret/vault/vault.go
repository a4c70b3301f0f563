// Package vault resolves secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Config holds Vault connection and authentication settings. Token auth is
// used when Token is set; otherwise AppRole with RoleID/SecretID.
type Config struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
	CACert   string
}

// Provider reads secrets from a Vault server.
type Provider struct {
	client *vault.Client
}

// New creates a Vault provider and authenticates.
func New(cfg Config) (*Provider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	if cfg.CACert != "" {
		if err := vcfg.ConfigureTLS(&vault.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		auth, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if auth == nil || auth.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth info")
		}
		client.SetToken(auth.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault: either token or role_id must be configured")
	}

	return &Provider{client: client}, nil
}

// Get reads a secret. Path format: "path/to/secret#key"; the key defaults to
// "value" when omitted. KV v2 responses have their "data" wrapper unwrapped.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}

	val, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("vault secret %q has no string value for key %q", secretPath, key)
	}
	return val, nil
}

// Close is a no-op; the Vault client holds no persistent connection.
func (p *Provider) Close() error {
	return nil
}
