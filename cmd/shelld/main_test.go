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

package main

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/config"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{
			Name:      "idp",
			KeySetURL: "https://idp.example.com/jwks.json",
			Issuer:    "https://idp.example.com",
			Audience:  "shellterm",
		}},
		Access: config.AccessConfig{AllowUsers: []string{"u:alice"}},
		PTY:    config.PTYConfig{WorkspaceRoot: "/srv/sessions"},
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

func TestRunReturnsBindExitCodeOnInvalidAddr(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.ListenPort = -1

	err := run(cfg, testLogger())
	require.Error(t, err)
	require.Equal(t, exitBind, exitCodeForError(err))
}

func TestRunReturnsTLSExitCodeOnBadCertPaths(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.EnforceHTTPS = true
	cfg.TLSCertPath = "/nonexistent/cert.pem"
	cfg.TLSKeyPath = "/nonexistent/key.pem"

	err := run(cfg, testLogger())
	require.Error(t, err)
	require.Equal(t, exitTLS, exitCodeForError(err))
}

func TestExitCodeForErrorDefaultsToBind(t *testing.T) {
	require.Equal(t, exitBind, exitCodeForError(nil))
}
