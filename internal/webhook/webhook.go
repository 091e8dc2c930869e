// Package webhook deploys on GitHub push events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/gut/internal/config"
)

// DeployFunc brings every location to the newest revision
type DeployFunc func(ctx context.Context) error

// settleDelay is how long the queue has to stay quiet before a deploy
// starts, so a burst of pushes results in one deploy
const settleDelay = 2 * time.Second

const maxPayload = 1 << 20

// pushEvent holds the fields of a GitHub push payload gut acts on
type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

// Server accepts push webhooks and runs deploys on a single worker
type Server struct {
	cfg    config.ServeConfig
	deploy DeployFunc
	logger *slog.Logger
	secret []byte
	delay  time.Duration
	// holds at most one waiting request; requests arriving while one waits
	// are folded into it
	queue chan struct{}
}

// NewServer creates a new webhook server calling deploy for accepted pushes
func NewServer(cfg config.ServeConfig, deploy DeployFunc, logger *slog.Logger) (*Server, error) {
	if cfg.SecretFile == "" {
		return nil, fmt.Errorf("serve.secret_file is required")
	}
	data, err := os.ReadFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("webhook secret in %s is empty", cfg.SecretFile)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = config.DefaultListenAddr
	}

	return &Server{
		cfg:    cfg,
		deploy: deploy,
		logger: logger,
		secret: []byte(secret),
		delay:  settleDelay,
		queue:  make(chan struct{}, 1),
	}, nil
}

// Start deploys once, then serves webhooks until ctx is cancelled. A deploy
// in progress at shutdown is allowed to finish.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial deploy before starting webhook server")
	s.runDeploy(ctx, "initial")

	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", s.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	case err = <-errCh:
	}
	<-workerDone
	return err
}

// Handler routes push deliveries to the webhook handler. Other methods
// get 405 from the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handlePush)
	return mux
}

// handlePush answers 202 when a deploy was queued and 204 when the delivery
// was valid but does not concern the deployed branch
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		s.logger.Warn("rejecting delivery", "content_type", r.Header.Get("Content-Type"))
		http.Error(w, "expected application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		http.Error(w, "unreadable payload", http.StatusBadRequest)
		return
	}

	if !s.validSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting delivery with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "ping" {
		s.logger.Info("webhook ping received")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(s.cfg.AllowedEventTypes) > 0 && !slices.Contains(s.cfg.AllowedEventTypes, event) {
		s.logger.Info("ignoring event", "event", event)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var push pushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		s.logger.Warn("rejecting malformed payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if push.Deleted {
		s.logger.Info("ignoring branch deletion", "ref", push.Ref)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.refAllowed(push.Ref) {
		s.logger.Info("ignoring ref", "ref", push.Ref)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.request() {
		s.logger.Info("deploy queued", "ref", push.Ref, "commit", push.After)
	} else {
		s.logger.Info("deploy already queued", "ref", push.Ref, "commit", push.After)
	}
	w.WriteHeader(http.StatusAccepted)
}

// validSignature checks an X-Hub-Signature-256 header against the body
func (s *Server) validSignature(body []byte, header string) bool {
	encoded, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// refAllowed matches ref against the allowed_refs globs; no globs allow
// every ref
func (s *Server) refAllowed(ref string) bool {
	if len(s.cfg.AllowedRefs) == 0 {
		return true
	}
	for _, pattern := range s.cfg.AllowedRefs {
		if ok, _ := doublestar.Match(pattern, ref); ok {
			return true
		}
	}
	return false
}

// request queues a deploy. It reports false when one is already waiting.
func (s *Server) request() bool {
	select {
	case s.queue <- struct{}{}:
		return true
	default:
		return false
	}
}

// run deploys once per queued request until ctx is cancelled. Pushes that
// arrive during a deploy queue exactly one follow-up run.
func (s *Server) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue:
		}
		if !s.settle(ctx) {
			return
		}
		s.runDeploy(ctx, "push")
	}
}

// settle waits until no request arrived for the settle delay
func (s *Server) settle(ctx context.Context) bool {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.queue:
			timer.Reset(s.delay)
		case <-timer.C:
			return true
		}
	}
}

func (s *Server) runDeploy(ctx context.Context, trigger string) {
	start := time.Now()
	if err := s.deploy(ctx); err != nil {
		s.logger.Error("deploy failed", "trigger", trigger, "error", err)
		return
	}
	s.logger.Info("deploy completed", "trigger", trigger, "duration", time.Since(start).Round(time.Millisecond))
}
