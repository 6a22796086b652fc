// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package server hosts the agent's HTTP surface. Services register their
// handlers through APIService; the listener itself (addresses, TLS, auth)
// is driven by an exporter-toolkit web config.
package server

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/galvani-project/galvani/internal/service"
)

// DefaultListenAddress is where the API server listens unless configured.
const DefaultListenAddress = ":28282"

// APIService is the registration surface handed to other services.
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves every registered endpoint plus a landing page listing
// them.
type APIServer struct {
	logger *slog.Logger

	server    *http.Server
	mux       *http.ServeMux
	endpoints []endpoint
	webConfig *web.FlagConfig
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

// endpoint is one registered route as shown on the landing page.
type endpoint struct {
	Path        string
	Summary     string
	Description string
}

var landingPage = template.Must(template.New("landing").Parse(`<html>
<head><title>Galvani</title></head>
<body>
<h1>Galvani Power Metrology Agent</h1>
<p>Available endpoints:</p>
<ul>
{{- range . }}
<li><a href="{{ .Path }}">{{ .Summary }}</a> {{ .Description }}</li>
{{- end }}
</ul>
</body>
</html>`))

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	tlsConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{DefaultListenAddress},
			WebConfigFile:      &tlsConfig,
		},
	}
}

// OptionFn sets one or more options in the Opts struct.
type OptionFn func(*Opts)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listen addresses and the exporter-toolkit web config
// file path.
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &webConfigFile,
		}
	}
}

// WithWebConfig sets the exporter-toolkit web config directly.
func WithWebConfig(cfg *web.FlagConfig) OptionFn {
	return func(o *Opts) {
		o.webConfig = cfg
	}
}

// NewAPIServer creates the HTTP API server.
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    &http.Server{Handler: mux},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landingPage.Execute(w, s.endpoints); err != nil {
			s.logger.Error("Failed to write landing page", "error", err)
		}
	})

	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running API server")
	errCh := make(chan error)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Stopping API server on context done")
		return nil
	case err := <-errCh:
		s.logger.Error("API server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	// Give in-flight scrapes 5 seconds to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register mounts handler at path and adds it to the landing page. All
// registrations must happen before Run starts serving.
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.logger.Debug("Endpoint registered", "endpoint", path)
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{Path: path, Summary: summary, Description: description})
	return nil
}
