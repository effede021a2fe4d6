package oauth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/token"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauth.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
issuer: https://auth.example.com
keys:
  algorithm: ES256
  ttl: 12h
flows:
  client_credentials:
    enabled: true
    access_token_ttl: 15m
    access_token_format: opaque
  device_code:
    enabled: true
    public: true
    poll_interval: 2s
    verification_uri: https://auth.example.com/device
  refresh_token:
    enabled: true
    rotate_refresh_tokens: false
scopes:
  read: Read access
clients:
  - client_id: svc
    client_secret: s3cret
    scopes: [read]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.Keys.Algorithm != "ES256" || cfg.Keys.TTL != 12*time.Hour {
		t.Errorf("Keys = %+v", cfg.Keys)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want the default", cfg.Storage.Backend)
	}
	cc := cfg.Flows.ClientCredentials
	if cc.AccessTokenTTL != 15*time.Minute || cc.AccessTokenFormat != token.FormatOpaque {
		t.Errorf("client_credentials = %+v", cc)
	}
	if cfg.Flows.DeviceCode.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", cfg.Flows.DeviceCode.PollInterval)
	}
	if rot := cfg.Flows.RefreshToken.RotateRefreshTokens; rot == nil || *rot {
		t.Errorf("RotateRefreshTokens = %v, want explicit false", rot)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].Scopes[0] != "read" {
		t.Errorf("Clients = %+v", cfg.Clients)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "issuer: https://auth.example.com\nissuers: typo\n", "issuers"},
		{"bad duration", "flows:\n  client_credentials:\n    access_token_ttl: soon\n", "soon"},
		{"invalid config", "issuer: \"\"\n", "issuer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("LoadConfig() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"valid default", func(*Config) {}, ""},
		{"missing issuer", func(c *Config) { c.Issuer = "" }, "issuer"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "storage.backend"},
		{"valkey without address", func(c *Config) { c.Storage.Backend = BackendValkey }, "storage.valkey.address"},
		{"no flows", func(c *Config) { c.Flows = FlowsConfig{} }, "flows"},
		{"client without id", func(c *Config) { c.Clients = []ClientConfig{{ClientSecret: "x"}} }, "clients"},
		{"duplicate client", func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "a", Public: true}, {ClientID: "a", Public: true}}
		}, "clients"},
		{"confidential client without secret", func(c *Config) { c.Clients = []ClientConfig{{ClientID: "a"}} }, "clients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			wantConfigError(t, err, tt.field)
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Issuer = testIssuer
	cfg.Scopes = map[string]string{"read": "Read access"}
	cfg.DefaultScopes = []string{"read"}
	cfg.Clients = []ClientConfig{{ClientID: "svc", ClientSecret: testSecret, Scopes: []string{"read"}}}
	cfg.Flows.DeviceCode = FlowConfig{
		Enabled:         true,
		Public:          true,
		VerificationURI: testIssuer + "/device",
	}

	ctx := context.Background()
	d, err := NewFromConfig(ctx, cfg, Hooks{Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer d.Close()

	want := []protocol.GrantType{protocol.GrantTypeClientCredentials, protocol.GrantTypeDeviceCode, protocol.GrantTypeRefreshToken}
	got := d.GrantTypes()
	if len(got) != len(want) {
		t.Fatalf("GrantTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("GrantTypes()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if grace := d.keys.GracePeriod(); grace < token.DefaultRefreshTokenTTL {
		t.Errorf("key grace period = %v, shorter than the refresh token lifetime", grace)
	}

	resp, err := d.Token(ctx, &protocol.TokenRequest{
		GrantType: protocol.GrantTypeClientCredentials,
		Client:    protocol.ClientCredentials{ClientID: "svc", ClientSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.Scope != "read" {
		t.Errorf("scope = %q, want the default scope", resp.Scope)
	}
}

func TestNewFromConfigRequiresGenerateCode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flows.AuthorizationCode = FlowConfig{Enabled: true}

	_, err := NewFromConfig(context.Background(), cfg, Hooks{Logger: testutil.DiscardLogger()})
	wantConfigError(t, err, "GenerateCode")
}

func TestNewFromConfigBadEncryptionKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keys.EncryptionKey = "not base64!"

	_, err := NewFromConfig(context.Background(), cfg, Hooks{Logger: testutil.DiscardLogger()})
	wantConfigError(t, err, "keys.encryption_key")
}
