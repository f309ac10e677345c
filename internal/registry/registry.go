// Package registry tracks the live login sessions of this process, keyed by
// session id, and implements the start/status/reconnect lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pinchtab/authstream/internal/browser"
	"github.com/pinchtab/authstream/internal/config"
	"github.com/pinchtab/authstream/internal/detect"
	"github.com/pinchtab/authstream/internal/idutil"
	"github.com/pinchtab/authstream/internal/results"
	"github.com/pinchtab/authstream/internal/stream"
	"github.com/pinchtab/authstream/internal/transport"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrCapacity = errors.New("too many active sessions")
)

type StartResult struct {
	Success           bool   `json:"success"`
	SessionID         string `json:"sessionId,omitempty"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	IsRateLimit       bool   `json:"isRateLimit"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`

	// Reason classifies a failure for the HTTP layer.
	Reason string `json:"-"`
}

// Start failure reasons.
const (
	ReasonCapacity    = "capacity"
	ReasonRateLimited = "rate_limited"
	ReasonLaunch      = "launch"
	ReasonNavigation  = "navigation"
)

type StatusResult struct {
	Active          bool   `json:"active"`
	Complete        bool   `json:"complete"`
	CanReconnect    bool   `json:"canReconnect"`
	Detected2FACode string `json:"detected2FACode,omitempty"`
	State           string `json:"state,omitempty"`
}

type ReconnectResult struct {
	Success      bool   `json:"success"`
	CanReconnect bool   `json:"canReconnect"`
	Message      string `json:"message"`
}

type Stats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

type Registry struct {
	cfg      *config.RuntimeConfig
	launcher browser.Launcher
	detector *detect.Detector
	store    results.Store
	clk      clockwork.Clock
	policy   browser.RetryPolicy

	mu       sync.RWMutex
	sessions map[string]*stream.Controller
	starting int
}

func New(cfg *config.RuntimeConfig, launcher browser.Launcher, det *detect.Detector, store results.Store, clk clockwork.Clock) *Registry {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Registry{
		cfg:      cfg,
		launcher: launcher,
		detector: det,
		store:    store,
		clk:      clk,
		policy:   browser.PolicyFromConfig(cfg),
		sessions: make(map[string]*stream.Controller),
	}
}

// Start launches a browser, opens the login page and registers the
// session. Failures come back in the result, never as a panic or a
// half-registered session.
func (r *Registry) Start(ctx context.Context) StartResult {
	if err := r.reserve(); err != nil {
		return StartResult{Error: err.Error(), Reason: ReasonCapacity}
	}
	defer r.unreserve()

	id := idutil.NewSessionID()
	capability, err := browser.LaunchWithRetry(ctx, r.launcher, r.policy, r.clk)
	if err != nil {
		slog.Error("browser launch failed", "session", id, "err", err)
		msg := stream.UserMessage(err)
		r.recordFailure(id, msg)
		res := StartResult{SessionID: id, Error: msg, Reason: ReasonLaunch}
		if wait, ok := browser.IsRateLimited(err); ok {
			res.Reason = ReasonRateLimited
			res.IsRateLimit = true
			res.RetryAfterSeconds = retrySeconds(wait)
		}
		return res
	}

	ctrl := stream.New(stream.Options{
		ID:         id,
		Capability: capability,
		Detector:   r.detector,
		Results:    r.store,
		Clock:      r.clk,
	}.WithConfig(r.cfg))

	r.mu.Lock()
	r.sessions[id] = ctrl
	r.mu.Unlock()

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigateTimeout)
	defer cancel()
	if err := ctrl.Start(navCtx, r.cfg.LoginURL); err != nil {
		return StartResult{SessionID: id, Error: stream.UserMessage(err), Reason: ReasonNavigation}
	}
	return StartResult{
		Success:   true,
		SessionID: id,
		Message:   "Session started. Connect to the stream to sign in.",
	}
}

func (r *Registry) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxSessions > 0 && r.activeLocked()+r.starting >= r.cfg.MaxSessions {
		return fmt.Errorf("%w (max %d)", ErrCapacity, r.cfg.MaxSessions)
	}
	r.starting++
	return nil
}

func (r *Registry) unreserve() {
	r.mu.Lock()
	r.starting--
	r.mu.Unlock()
}

func (r *Registry) recordFailure(id, msg string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Put(ctx, id, detect.Credential{Error: msg}, r.cfg.ResultTTL); err != nil {
		slog.Error("failure record not stored", "session", id, "err", err)
	}
}

func (r *Registry) Get(id string) (*stream.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Status is read-only. Unknown ids report an inactive, incomplete session.
func (r *Registry) Status(id string) StatusResult {
	c, ok := r.Get(id)
	if !ok {
		return StatusResult{}
	}
	s := c.Snapshot()
	return StatusResult{
		Active:          s.Active(),
		Complete:        s.Complete(),
		CanReconnect:    s.CanReconnect(),
		Detected2FACode: s.TwoFactorCode,
		State:           string(s.State),
	}
}

// Reconnect keeps a detached session alive for a returning client: the
// pending grace timer is replaced by a fresh window. The client still has
// to attach a new stream.
func (r *Registry) Reconnect(id string) (ReconnectResult, error) {
	c, ok := r.Get(id)
	if !ok {
		return ReconnectResult{}, ErrNotFound
	}
	snap, err := c.Extend()
	if err != nil {
		return ReconnectResult{}, err
	}
	msg := "Session is live. Connect to the stream to continue."
	if snap.State == stream.StateDisconnectedGrace {
		msg = fmt.Sprintf("Session held until %s. Connect to the stream to continue.", snap.DisconnectDeadline.UTC().Format(time.RFC3339))
	}
	return ReconnectResult{Success: true, CanReconnect: true, Message: msg}, nil
}

// Attach binds ch to the session and returns its controller for input
// forwarding.
func (r *Registry) Attach(id string, ch transport.Channel) (*stream.Controller, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := c.Attach(ch); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Active: r.activeLocked(), Total: len(r.sessions)}
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, c := range r.sessions {
		if c.Snapshot().Active() {
			n++
		}
	}
	return n
}

// Prune forgets sessions that ended more than retention ago.
func (r *Registry) Prune(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.sessions {
		s := c.Snapshot()
		if s.Active() || s.EndedAt.IsZero() {
			continue
		}
		if now.Sub(s.EndedAt) >= retention {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Sweep prunes ended sessions every interval until ctx is done.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) error {
	t := r.clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if n := r.Prune(r.clk.Now(), r.cfg.SessionRetention); n > 0 {
				slog.Debug("pruned sessions", "count", n)
			}
		}
	}
}

// Shutdown cleans up every session in parallel and waits for the browsers
// to be released, or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ctrls := make([]*stream.Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		ctrls = append(ctrls, c)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, c := range ctrls {
		g.Go(func() error {
			c.Cleanup()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		slog.Info("sessions closed", "count", len(ctrls))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retrySeconds(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s <= 0 {
		return 30
	}
	return s
}
