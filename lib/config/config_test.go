/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shelld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
providers:
  - name: idp
    keyset_url: https://idp.example.com/jwks.json
    issuer: https://idp.example.com
    audience: shellterm
access:
  allow_users:
    - u:alice
pty:
  workspace_root: /srv/sessions
`

func TestLoadFileFillsDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.ListenAddr)
	require.Equal(t, 4022, cfg.ListenPort)
	require.Equal(t, 30*time.Minute, cfg.Limits.IdleTimeout)
	require.Equal(t, 12*time.Hour, cfg.Limits.AbsoluteTimeout)
	require.Equal(t, 65536, cfg.Limits.MaxMessageBytes)
	require.Equal(t, 65536, cfg.Limits.MaxOutputChunkBytes)
	require.Equal(t, 60, cfg.ClockSkewSeconds)
	require.Equal(t, defaultShellAllowlist, cfg.PTY.ShellAllowlist)
	require.Equal(t, defaultShellAllowlist[0], cfg.PTY.DefaultShell)
	require.Equal(t, []string{string(types.AlgorithmRS256)}, cfg.Providers[0].Algorithms)
	require.Equal(t, time.Hour, cfg.Providers[0].CacheTTL)
}

func TestLoadFileMissingFileReturnsError(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestCheckAndSetDefaultsRejectsMissingProviders(t *testing.T) {
	cfg := Config{
		Access: AccessConfig{AllowUsers: []string{"u:alice"}},
		PTY:    PTYConfig{WorkspaceRoot: "/srv/sessions"},
	}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsEmptyAccessPolicy(t *testing.T) {
	cfg := Config{
		Providers: []ProviderConfig{{
			Name: "idp", KeySetURL: "https://idp.example.com/jwks.json",
			Issuer: "https://idp.example.com", Audience: "shellterm",
		}},
		PTY: PTYConfig{WorkspaceRoot: "/srv/sessions"},
	}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRejectsMissingWorkspaceRoot(t *testing.T) {
	cfg := Config{
		Providers: []ProviderConfig{{
			Name: "idp", KeySetURL: "https://idp.example.com/jwks.json",
			Issuer: "https://idp.example.com", Audience: "shellterm",
		}},
		Access: AccessConfig{AllowUsers: []string{"u:alice"}},
	}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRequiresTLSPathsWhenEnforced(t *testing.T) {
	cfg := Config{
		EnforceHTTPS: true,
		Providers: []ProviderConfig{{
			Name: "idp", KeySetURL: "https://idp.example.com/jwks.json",
			Issuer: "https://idp.example.com", Audience: "shellterm",
		}},
		Access: AccessConfig{AllowUsers: []string{"u:alice"}},
		PTY:    PTYConfig{WorkspaceRoot: "/srv/sessions"},
	}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg.TLSCertPath = "/etc/shelld/tls.crt"
	cfg.TLSKeyPath = "/etc/shelld/tls.key"
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestAddrJoinsHostAndPort(t *testing.T) {
	cfg := Config{ListenAddr: "127.0.0.1", ListenPort: 4022}
	require.Equal(t, "127.0.0.1:4022", cfg.Addr())
}

func TestTranslationsWireConfiguredValues(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	kc := cfg.KeyCacheConfig()
	require.Len(t, kc.Providers, 1)
	require.Equal(t, "idp", kc.Providers[0].Name)
	require.Equal(t, time.Minute, kc.Providers[0].ClockSkew)

	tv := cfg.TokenVerifierConfig(nil)
	require.Contains(t, tv.Providers, "idp")

	az := cfg.AuthzConfig()
	require.Equal(t, []string{"u:alice"}, az.Policy.AllowUsers)

	rc := cfg.RegistryConfig()
	require.NotNil(t, rc.Spawn)
	require.Equal(t, 30*time.Minute, rc.IdleTimeout)
	require.Equal(t, 64, rc.QueueDepth)
	require.Equal(t, 65536, rc.ChunkSize)

	rl := cfg.RateLimitConfig()
	require.Equal(t, 0, rl.ConnectionsPerMinute)

	require.Equal(t, 65536, cfg.MaxMessageBytes())
}
