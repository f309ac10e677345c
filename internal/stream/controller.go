package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pinchtab/authstream/internal/browser"
	"github.com/pinchtab/authstream/internal/config"
	"github.com/pinchtab/authstream/internal/detect"
	"github.com/pinchtab/authstream/internal/results"
	"github.com/pinchtab/authstream/internal/transport"
)

const inputQueueSize = 64

type Options struct {
	ID         string
	Capability browser.Capability
	Detector   *detect.Detector
	Results    results.Store
	Clock      clockwork.Clock

	Screencast        browser.ScreencastOptions
	GracePeriod       time.Duration
	CompletionLinger  time.Duration
	SessionTimeout    time.Duration
	DetectInterval    time.Duration
	ExtractDelay      time.Duration
	ExtractAttempts   int
	ExtractRetryDelay time.Duration
	ResultTTL         time.Duration
	ActionTimeout     time.Duration
}

// WithConfig fills the timing and screencast fields from cfg.
func (o Options) WithConfig(cfg *config.RuntimeConfig) Options {
	o.Screencast = browser.ScreencastOptions{
		Quality:   cfg.FrameQuality,
		MaxWidth:  cfg.ViewportWidth,
		MaxHeight: cfg.ViewportHeight,
	}
	o.GracePeriod = cfg.GracePeriod
	o.CompletionLinger = cfg.CompletionLinger
	o.SessionTimeout = cfg.SessionTimeout
	o.DetectInterval = cfg.DetectInterval
	o.ExtractDelay = cfg.ExtractDelay
	o.ExtractAttempts = cfg.ExtractAttempts
	o.ExtractRetryDelay = cfg.ExtractRetryDelay
	o.ResultTTL = cfg.ResultTTL
	o.ActionTimeout = cfg.ActionTimeout
	return o
}

// Controller is the single owner of one Session and its browser. All
// session state is mutated on the run goroutine; the exported methods
// post work to it.
type Controller struct {
	opts  Options
	cap   browser.Capability
	det   *detect.Detector
	store results.Store
	clk   clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	cmds    chan func()
	frames  chan browser.Frame
	signals chan detect.Signal
	inputs  chan transport.Input
	done    chan struct{}

	cleanupOnce  sync.Once
	lastActivity atomic.Int64

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by run.
	sess        Session
	ch          transport.Channel
	announced   bool
	sawFrame    bool
	seq         int64
	detecting   bool
	graceTimer  clockwork.Timer
	graceGen    int
	lingerTimer clockwork.Timer
	lifeTimer   clockwork.Timer
	released    bool
	endedAt     time.Time
}

// New creates the controller and starts its goroutines. The session is
// in StateCreated until a client attaches.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.ExtractAttempts < 1 {
		opts.ExtractAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Clock.Now()
	c := &Controller{
		opts:    opts,
		cap:     opts.Capability,
		det:     opts.Detector,
		store:   opts.Results,
		clk:     opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan func()),
		frames:  make(chan browser.Frame, 1),
		signals: make(chan detect.Signal),
		inputs:  make(chan transport.Input, inputQueueSize),
		done:    make(chan struct{}),
		sess:    Session{ID: opts.ID, State: StateCreated, CreatedAt: now},
	}
	c.lastActivity.Store(now.UnixNano())
	c.publish()

	if opts.SessionTimeout > 0 {
		c.lifeTimer = c.clk.AfterFunc(opts.SessionTimeout, func() {
			c.post(func() { c.fail(errSessionTimeout) })
		})
	}

	go c.run()
	go c.dispatchLoop()
	return c
}

func (c *Controller) ID() string { return c.opts.ID }

// Start loads url and begins the screencast. A failure is fatal: the
// session ends in StateError and the failure is recorded.
func (c *Controller) Start(ctx context.Context, url string) error {
	if err := c.cap.Navigate(ctx, url); err != nil {
		nerr := &NavigationError{URL: url, Err: err}
		c.do(func() { c.fail(nerr) })
		return nerr
	}
	if err := c.cap.StartScreencast(c.ctx, c.opts.Screencast, c.onFrame); err != nil {
		err = fmt.Errorf("start screencast: %w", err)
		c.do(func() { c.fail(err) })
		return err
	}
	c.post(func() {
		c.sess.URL = url
		c.publish()
	})
	slog.Info("session started", "session", c.opts.ID, "url", url)
	return nil
}

// Attach makes ch the session's client, replacing any previous one.
// Fails with ErrSessionEnded once the session is terminal, including when
// the grace deadline has passed.
func (c *Controller) Attach(ch transport.Channel) error {
	var err error
	if !c.do(func() { err = c.attach(ch) }) {
		return ErrSessionEnded
	}
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ch.Done():
			c.Detach(ch)
		case <-c.done:
		}
	}()
	return nil
}

// Detach drops ch if it is still the attached client and starts the
// grace period.
func (c *Controller) Detach(ch transport.Channel) {
	c.post(func() { c.detach(ch) })
}

// ForwardInput queues a client event for the browser. It never blocks: a
// full queue drops the event.
func (c *Controller) ForwardInput(in transport.Input) {
	c.lastActivity.Store(c.clk.Now().UnixNano())
	select {
	case c.inputs <- in:
	case <-c.done:
	default:
		slog.Warn("input queue full, dropping event", "session", c.opts.ID, "type", in.Type)
	}
}

// Ping answers a client keepalive on ch.
func (c *Controller) Ping(ch transport.Channel) {
	c.lastActivity.Store(c.clk.Now().UnixNano())
	c.post(func() {
		if ch == c.ch {
			c.send(transport.NewStatus(transport.StatusReady, "", c.sess.URL))
		}
	})
}

// Extend restarts the grace window of a detached session with a full
// GracePeriod from now, rather than only cancelling the pending timer, so
// the caller still has time to open the stream. The session stays in
// StateDisconnectedGrace until a client attaches.
func (c *Controller) Extend() (Snapshot, error) {
	var err error
	ok := c.do(func() {
		switch {
		case c.sess.State.Terminal():
			err = ErrSessionEnded
		case c.sess.State == StateDisconnectedGrace:
			if !c.clk.Now().Before(c.sess.DisconnectDeadline) {
				c.expire(c.graceGen)
				err = ErrSessionEnded
				return
			}
			c.armGrace()
			c.publish()
		}
	})
	if !ok {
		err = ErrSessionEnded
	}
	return c.Snapshot(), err
}

// Cleanup ends the session and releases the browser. Safe to call any
// number of times; a session that had not finished ends in StateError.
func (c *Controller) Cleanup() {
	c.cleanupOnce.Do(func() {
		c.post(func() {
			if !c.sess.State.Terminal() {
				c.fail(errSessionClosed)
				return
			}
			c.release()
		})
	})
	<-c.done
}

// Done is closed once the browser has been released.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	s := c.snap
	c.snapMu.RUnlock()
	s.LastActivity = time.Unix(0, c.lastActivity.Load())
	return s
}

func (c *Controller) run() {
	defer close(c.done)

	var tick <-chan time.Time
	if c.opts.DetectInterval > 0 {
		t := c.clk.NewTicker(c.opts.DetectInterval)
		defer t.Stop()
		tick = t.Chan()
	}

	for !c.released {
		select {
		case fn := <-c.cmds:
			fn()
		case f := <-c.frames:
			c.handleFrame(f)
		case sig := <-c.signals:
			c.detecting = false
			c.handleSignal(sig)
		case <-tick:
			c.detect()
		}
	}
}

// sleep waits d on clk, or until ctx is done.
func sleep(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands fn to the run goroutine. It is dropped if the session has
// already been released.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// do runs fn on the run goroutine and waits for it. Returns false when
// the session was already released.
func (c *Controller) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(ran); fn() }:
		<-ran
		return true
	case <-c.done:
		return false
	}
}

// onFrame runs on the browser event goroutine and must not block.
func (c *Controller) onFrame(f browser.Frame) {
	select {
	case c.frames <- f:
	case <-c.done:
	default:
		go c.ack(f)
	}
}

func (c *Controller) handleFrame(f browser.Frame) {
	if c.sess.State.Terminal() {
		return
	}
	c.sawFrame = true
	if c.ch != nil {
		if !c.announced {
			c.announced = true
			c.send(transport.NewStatus(transport.StatusReady, "", c.sess.URL))
		}
		if c.ch != nil {
			c.seq++
			if err := c.ch.Send(transport.NewFrame(c.seq, f.Data)); err != nil {
				slog.Debug("frame send failed", "session", c.opts.ID, "err", err)
				c.detach(c.ch)
			}
		}
	}
	c.ack(f)
	c.detect()
}

func (c *Controller) ack(f browser.Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ActionTimeout)
	defer cancel()
	if err := c.cap.AckFrame(ctx, f); err != nil && !errors.Is(err, browser.ErrClosed) {
		slog.Debug("frame ack failed", "session", c.opts.ID, "err", err)
	}
}

func (c *Controller) detect() {
	if c.detecting || c.det == nil || c.sess.State.Terminal() || c.sess.State == StateCompleting {
		return
	}
	c.detecting = true
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ActionTimeout)
		defer cancel()
		sig := c.det.Check(ctx, c.cap, false)
		select {
		case c.signals <- sig:
		case <-c.done:
		}
	}()
}

func (c *Controller) handleSignal(sig detect.Signal) {
	if c.sess.State.Terminal() {
		return
	}
	if sig.URL != "" {
		c.sess.URL = sig.URL
	}
	switch sig.Kind {
	case detect.SignalTwoFactor:
		if sig.Code != c.sess.TwoFactorCode {
			c.sess.TwoFactorCode = sig.Code
			slog.Info("2fa code detected", "session", c.opts.ID)
			c.send(transport.NewTwoFactorCode(sig.Code))
		}
	case detect.SignalLoginComplete:
		c.beginCompletion(sig.URL)
	}
	c.publish()
}

func (c *Controller) beginCompletion(url string) {
	if c.sess.State == StateCompleting {
		return
	}
	if err := c.setState(StateCompleting); err != nil {
		return
	}
	c.stopGrace()
	slog.Info("login detected", "session", c.opts.ID)
	c.send(transport.NewStatus(transport.StatusAuthenticating, "Signed in, capturing session", url))
	go c.extract(url)
}

// extract runs off the run goroutine: it waits for the app to settle,
// then retries while an artifact is still missing.
func (c *Controller) extract(url string) {
	if err := sleep(c.ctx, c.clk, c.opts.ExtractDelay); err != nil {
		return
	}
	var (
		cred detect.Credential
		err  error
	)
	for attempt := 1; attempt <= c.opts.ExtractAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ActionTimeout)
		cred, err = c.det.Extract(ctx, c.cap, url)
		cancel()
		if err == nil {
			break
		}
		slog.Debug("extraction attempt failed", "session", c.opts.ID, "attempt", attempt, "err", err)
		if attempt < c.opts.ExtractAttempts {
			if serr := sleep(c.ctx, c.clk, c.opts.ExtractRetryDelay); serr != nil {
				return
			}
		}
	}
	c.post(func() { c.finish(cred, err) })
}

func (c *Controller) finish(cred detect.Credential, err error) {
	if c.sess.State != StateCompleting {
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	if perr := c.putResult(cred); perr != nil {
		c.fail(fmt.Errorf("store result: %w", perr))
		return
	}
	if err := c.setState(StateComplete); err != nil {
		return
	}
	slog.Info("session complete", "session", c.opts.ID, "realm", cred.RealmID)
	c.send(transport.NewAuthComplete(cred.RealmName, nil))
	c.send(transport.NewStatus(transport.StatusComplete, "Authentication complete", ""))

	if c.opts.CompletionLinger <= 0 {
		c.release()
		return
	}
	c.lingerTimer = c.clk.AfterFunc(c.opts.CompletionLinger, func() { c.post(c.release) })
}

// fail is the single fatal path: record, report, release.
func (c *Controller) fail(err error) {
	if c.sess.State.Terminal() {
		return
	}
	wasCompleting := c.sess.State == StateCompleting
	msg := UserMessage(err)
	slog.Warn("session failed", "session", c.opts.ID, "state", c.sess.State, "err", err)

	c.sess.Err = msg
	if serr := c.setState(StateError); serr != nil {
		c.sess.State = StateError
	}
	if perr := c.putResult(detect.Credential{Error: msg}); perr != nil {
		slog.Error("failure record not stored", "session", c.opts.ID, "err", perr)
	}
	c.send(transport.NewStatus(transport.StatusError, msg, ""))
	if wasCompleting {
		c.send(transport.NewAuthComplete("", errors.New(msg)))
	}
	c.release()
}

func (c *Controller) putResult(cred detect.Credential) error {
	if c.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ActionTimeout)
	defer cancel()
	return c.store.Put(ctx, c.opts.ID, cred, c.opts.ResultTTL)
}

func (c *Controller) attach(ch transport.Channel) error {
	if c.sess.State.Terminal() {
		return ErrSessionEnded
	}
	if c.sess.State == StateDisconnectedGrace && !c.clk.Now().Before(c.sess.DisconnectDeadline) {
		c.expire(c.graceGen)
		return ErrSessionEnded
	}
	if c.ch != nil && c.ch != ch {
		old := c.ch
		c.ch = nil
		_ = old.Close()
	}
	c.ch = ch
	c.stopGrace()
	if c.sess.State == StateCreated || c.sess.State == StateDisconnectedGrace {
		_ = c.setState(StateStreaming)
	}
	c.lastActivity.Store(c.clk.Now().UnixNano())
	slog.Info("client attached", "session", c.opts.ID)

	c.announced = true
	switch {
	case c.sess.State == StateCompleting:
		c.send(transport.NewStatus(transport.StatusAuthenticating, "Signed in, capturing session", c.sess.URL))
	case c.sawFrame:
		c.send(transport.NewStatus(transport.StatusReady, "", c.sess.URL))
	default:
		c.announced = false
		c.send(transport.NewStatus(transport.StatusConnecting, "Loading sign-in page", ""))
	}
	if c.sess.TwoFactorCode != "" {
		c.send(transport.NewTwoFactorCode(c.sess.TwoFactorCode))
	}
	c.publish()
	return nil
}

func (c *Controller) detach(ch transport.Channel) {
	if ch == nil || ch != c.ch {
		return
	}
	c.ch = nil
	_ = ch.Close()
	slog.Info("client detached", "session", c.opts.ID, "state", c.sess.State)
	if c.sess.State == StateStreaming {
		_ = c.setState(StateDisconnectedGrace)
		c.armGrace()
	}
	c.publish()
}

func (c *Controller) armGrace() {
	c.stopGrace()
	gen := c.graceGen
	c.sess.DisconnectDeadline = c.clk.Now().Add(c.opts.GracePeriod)
	if c.opts.GracePeriod <= 0 {
		c.expire(gen)
		return
	}
	c.graceTimer = c.clk.AfterFunc(c.opts.GracePeriod, func() {
		c.post(func() { c.expire(gen) })
	})
}

// stopGrace cancels the pending grace timer. Bumping the generation
// voids a callback that already fired but has not run yet.
func (c *Controller) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.graceGen++
	c.sess.DisconnectDeadline = time.Time{}
}

func (c *Controller) expire(gen int) {
	if gen != c.graceGen || c.sess.State != StateDisconnectedGrace {
		return
	}
	slog.Info("grace period elapsed", "session", c.opts.ID)
	_ = c.setState(StateExpired)
	if err := c.putResult(detect.Credential{Error: errGraceExpired.Error()}); err != nil {
		slog.Error("failure record not stored", "session", c.opts.ID, "err", err)
	}
	c.release()
}

func (c *Controller) setState(to State) error {
	from := c.sess.State
	if !canTransition(from, to) {
		err := &InvalidTransitionError{From: from, To: to}
		slog.Error("rejected state change", "session", c.opts.ID, "err", err)
		return err
	}
	c.sess.State = to
	slog.Debug("session state", "session", c.opts.ID, "from", from, "to", to)
	c.publish()
	return nil
}

func (c *Controller) send(msg any) {
	if c.ch == nil {
		return
	}
	if err := c.ch.Send(msg); err != nil {
		slog.Debug("send failed", "session", c.opts.ID, "err", err)
		c.detach(c.ch)
	}
}

// release frees everything the session owns. Runs once, on run.
func (c *Controller) release() {
	if c.released {
		return
	}
	c.released = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
	}
	if c.lifeTimer != nil {
		c.lifeTimer.Stop()
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = c.cap.StopScreencast(ctx)
	cancel()
	c.cancel()
	if err := c.cap.Close(); err != nil {
		slog.Debug("browser close failed", "session", c.opts.ID, "err", err)
	}
	c.endedAt = c.clk.Now()
	c.publish()
	slog.Info("session released", "session", c.opts.ID, "state", c.sess.State)
}

func (c *Controller) publish() {
	c.snapMu.Lock()
	c.snap = Snapshot{
		ID:                 c.sess.ID,
		State:              c.sess.State,
		CreatedAt:          c.sess.CreatedAt,
		TwoFactorCode:      c.sess.TwoFactorCode,
		DisconnectDeadline: c.sess.DisconnectDeadline,
		Attached:           c.ch != nil,
		URL:                c.sess.URL,
		Err:                c.sess.Err,
		EndedAt:            c.endedAt,
	}
	c.snapMu.Unlock()
}

func (c *Controller) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inputs:
			c.dispatch(in)
		}
	}
}

// dispatch forwards one event. Failures are logged and dropped; the
// session carries on.
func (c *Controller) dispatch(in transport.Input) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ActionTimeout)
	defer cancel()
	var err error
	switch in.Kind {
	case transport.InputMouse:
		err = c.cap.DispatchMouse(ctx, *in.Mouse)
	case transport.InputKey:
		err = c.cap.DispatchKey(ctx, *in.Key)
	case transport.InputScroll:
		err = c.cap.DispatchScroll(ctx, *in.Scroll)
	default:
		return
	}
	if err != nil && c.ctx.Err() == nil {
		slog.Warn("input dispatch failed", "session", c.opts.ID, "type", in.Type, "err", err)
	}
}

// UserMessage is the text shown to a client for a fatal error. Rate
// limits get a wait hint; everything else is the raw error.
func UserMessage(err error) string {
	if wait, ok := browser.IsRateLimited(err); ok {
		secs := int(wait.Round(time.Second) / time.Second)
		if secs <= 0 {
			secs = 30
		}
		return fmt.Sprintf("browser capacity exhausted, try again in %d seconds", secs)
	}
	return err.Error()
}
