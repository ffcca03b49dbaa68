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

// Command shelld hosts the CORE of this server: the streaming websocket
// upgrade handled by lib/termproxy and the REST surface handled by
// lib/restapi, both served from the one listening port named by
// lib/config.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/authz"
	"github.com/shellterm/shellterm/lib/config"
	"github.com/shellterm/shellterm/lib/keycache"
	"github.com/shellterm/shellterm/lib/ratelimit"
	"github.com/shellterm/shellterm/lib/registry"
	"github.com/shellterm/shellterm/lib/restapi"
	"github.com/shellterm/shellterm/lib/termproxy"
	"github.com/shellterm/shellterm/lib/tokenverify"
	"github.com/shellterm/shellterm/lib/utils"
)

// Exit codes, per the configuration surface named in this server's
// operations manual.
const (
	exitSuccess = 0
	exitConfig  = 2
	exitBind    = 3
	exitTLS     = 4
)

func main() {
	app := utils.InitCLIParser("shelld", "Runs the shell session server core.")

	var configPath string
	var debug bool
	app.Flag("config", "Path to the YAML configuration file.").
		Short('c').
		Required().
		StringVar(&configPath)
	app.Flag("debug", "Enable verbose logging.").
		Short('d').
		BoolVar(&debug)

	args := os.Args[1:]
	utils.UpdateAppUsageTemplate(app, args)
	if _, err := app.Parse(args); err != nil {
		utils.FatalError(err)
	}

	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)
	log := logrus.WithField("component", "shelld")

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(exitConfig)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("shelld exited with error")
		os.Exit(exitCodeForError(err))
	}
	os.Exit(exitSuccess)
}

// startupError wraps a failure with the exit code it should produce, so
// run can stay a single straight-line function and main stays a thin
// flag-parsing shell around it.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeForError(err error) int {
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return exitBind
}

// run builds every component from cfg and blocks serving traffic until the
// process receives SIGINT/SIGTERM.
func run(cfg *config.Config, log *logrus.Entry) error {
	clock := clockwork.NewRealClock()
	emitter := auditlog.NewJSONEmitter(os.Stdout)

	keys, err := keycache.New(cfg.KeyCacheConfig())
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building key cache")}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys.Start(ctx)
	defer keys.Stop()

	verifierCfg := cfg.TokenVerifierConfig(keys)
	verifierCfg.Clock = clock
	verifier, err := tokenverify.New(verifierCfg)
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building token verifier")}
	}

	authzCfg := cfg.AuthzConfig()
	authzCfg.Emitter = emitter
	authzCfg.Clock = clock
	authorizer, err := authz.New(authzCfg)
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building authorizer")}
	}

	rateCfg := cfg.RateLimitConfig()
	rateCfg.Clock = clock
	limiter, err := ratelimit.New(rateCfg)
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building rate limiter")}
	}

	registryCfg := cfg.RegistryConfig()
	registryCfg.Emitter = emitter
	registryCfg.Clock = clock
	registryCfg.Logger = log.WithField("component", "registry")
	reg, err := registry.New(registryCfg)
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building session registry")}
	}
	defer reg.Stop()

	wsHandler, err := termproxy.Handler(termproxy.Deps{
		Verifier:        verifier,
		Authorizer:      authorizer,
		Limiter:         limiter,
		Registry:        reg,
		Emitter:         emitter,
		Clock:           clock,
		Logger:          log.WithField("component", "termproxy"),
		MaxMessageBytes: cfg.MaxMessageBytes(),
	})
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building streaming handler")}
	}

	restHandler, err := restapi.NewHandler(restapi.Deps{
		Verifier:   verifier,
		Authorizer: authorizer,
		Registry:   reg,
		Emitter:    emitter,
		Clock:      clock,
		Logger:     log.WithField("component", "restapi"),
	})
	if err != nil {
		return &startupError{code: exitConfig, err: trace.Wrap(err, "building REST handler")}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", restHandler)

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return &startupError{code: exitBind, err: trace.Wrap(err, "binding %v", cfg.Addr())}
	}

	if cfg.EnforceHTTPS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			listener.Close()
			return &startupError{code: exitTLS, err: trace.Wrap(err, "loading TLS certificate")}
		}
		listener = tls.NewListener(listener, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}

	srv := &http.Server{Handler: mux}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve(listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.WithField("addr", cfg.Addr()).Info("shelld listening")

	select {
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &startupError{code: exitBind, err: trace.Wrap(err, "serving")}
		}
	case <-sigCh:
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return trace.Wrap(err, "graceful shutdown")
		}
	}
	return nil
}
