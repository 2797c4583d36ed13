// Package secrets resolves boot-time credentials, such as the primary
// engine's DSN, from HashiCorp Vault's KV v2 secrets engine.
package secrets

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/axonops/dualdb/internal/config"
)

// Resolver reads boot-time secrets from Vault.
type Resolver struct {
	client *vaultapi.Client
	cfg    config.VaultConfig
}

// New creates a Resolver from the given Vault configuration. It returns
// an error if the Vault client cannot be constructed; it does not probe
// connectivity, since Vault may not be reachable until later.
func New(cfg config.VaultConfig) (*Resolver, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "dualdb"
	}
	if cfg.DSNSecretKey == "" {
		cfg.DSNSecretKey = "primary_dsn"
	}

	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address

	if cfg.TLSSkipVerify {
		vc.HttpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- operator opt-in for dev/test Vault instances
		}
	}

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Resolver{client: client, cfg: cfg}, nil
}

// ResolvePrimaryDSN reads the primary engine's DSN from the configured
// KV v2 path and secret key. Callers use this in place of
// config.PrimaryConfig.DSN when VaultConfig.Enabled is true.
func (r *Resolver) ResolvePrimaryDSN(ctx context.Context) (string, error) {
	secret, err := r.client.KVv2(r.cfg.MountPath).Get(ctx, r.cfg.BasePath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %s/%s: %w", r.cfg.MountPath, r.cfg.BasePath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %s/%s has no data", r.cfg.MountPath, r.cfg.BasePath)
	}

	val, ok := secret.Data[r.cfg.DSNSecretKey]
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s missing key %q", r.cfg.MountPath, r.cfg.BasePath, r.cfg.DSNSecretKey)
	}
	dsn, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s key %q is not a string", r.cfg.MountPath, r.cfg.BasePath, r.cfg.DSNSecretKey)
	}

	return dsn, nil
}
