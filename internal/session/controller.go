// Package session owns the lifecycle of one live voice session: the capture
// device, the backend connection, the playback sink and the input level
// probe.
//
// A [Controller] acquires those resources in a fixed order and releases them
// in a fixed order, on every path. Start failures roll back what was already
// acquired; runtime faults (capture loss, upstream errors, peer close) run
// the same teardown as Stop and differ only in the recorded LastError.
//
// Start and Stop must be serialized by the caller. Overlapping calls panic.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livegate/internal/action"
	"github.com/MrWong99/livegate/internal/fanout"
	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/observe"
	"github.com/MrWong99/livegate/internal/transcript"
	"github.com/MrWong99/livegate/internal/volume"
	"github.com/MrWong99/livegate/pkg/audio"
	"github.com/MrWong99/livegate/pkg/provider/live"
)

// Default session parameters.
const (
	defaultConnectTimeout = 15 * time.Second
	defaultProbeInterval  = volume.DefaultInterval
)

// Consumer names used for the fan-out cursors.
const (
	consumerPlayback   = "playback"
	consumerTranscript = "transcript"
)

// errPeerClosed marks a clean close initiated by the backend.
var errPeerClosed = errors.New("session: closed by peer")

// Proposer records tool calls for human review.
type Proposer interface {
	Propose(ctx context.Context, p action.Proposal) (string, error)
}

// Settings are read at every Start. Changing them never affects a running
// session.
type Settings struct {
	// Live is sent to the backend at connect.
	Live live.SessionConfig

	// ContextScope tags every proposed action. Empty leaves it unscoped.
	ContextScope string

	// QueueSize bounds each fan-out consumer. Defaults to
	// fanout.DefaultQueueSize if zero.
	QueueSize int

	// Overflow is the fan-out overflow policy.
	Overflow fanout.Policy

	// ProbeInterval is the level sampling period. Defaults to 50ms if zero.
	ProbeInterval time.Duration

	// ConnectTimeout bounds the backend handshake. Defaults to 15s if zero.
	ConnectTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.QueueSize <= 0 {
		s.QueueSize = fanout.DefaultQueueSize
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = defaultProbeInterval
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return s
}

// Callbacks notify the UI collaborator. Every field may be nil. Callbacks run
// on session goroutines and must not call Start or Stop.
type Callbacks struct {
	// OnState receives every state transition.
	OnState func(Snapshot)

	// OnLevel receives the normalised input level once per probe interval.
	OnLevel func(float64)

	// OnTranscript receives the current line after every transcript message.
	OnTranscript func(role transcript.Role, text string, final bool)

	// OnFinalTranscript receives each finalised line.
	OnFinalTranscript func(transcript.Entry)

	// OnSpeaking receives changes of the speaking flag.
	OnSpeaking func(bool)
}

// Config holds the dependencies of a [Controller].
type Config struct {
	Capture  audio.CaptureDevice
	Playback audio.PlaybackDevice
	Provider live.Provider

	// Proposer receives tool calls. When nil every tool call is answered
	// with an error result.
	Proposer Proposer

	// Recorder persists finalised transcript lines. May be nil.
	Recorder transcript.Recorder

	// Metrics may be nil.
	Metrics *observe.Metrics

	Settings  Settings
	Callbacks Callbacks
}

// Controller drives one session at a time. A closed controller can be
// started again; each Start gets a fresh session ID.
type Controller struct {
	capture  audio.CaptureDevice
	playback audio.PlaybackDevice
	provider live.Provider
	proposer Proposer
	recorder transcript.Recorder
	metrics  *observe.Metrics
	cb       Callbacks
	now      func() time.Time

	lifecycle atomic.Bool

	mu       sync.Mutex
	settings Settings
	snap     Snapshot
	cur      *run
}

// New creates an idle Controller.
func New(cfg Config) *Controller {
	return &Controller{
		capture:  cfg.Capture,
		playback: cfg.Playback,
		provider: cfg.Provider,
		proposer: cfg.Proposer,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		cb:       cfg.Callbacks,
		now:      time.Now,
		settings: cfg.Settings,
	}
}

// SetSettings replaces the settings used by the next Start.
func (c *Controller) SetSettings(s Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// run holds everything one session acquired. Nil fields were never acquired.
type run struct {
	id  string
	log *slog.Logger

	capture   audio.Capture
	conn      live.Conn
	fan       *fanout.Fanout[live.ServerMessage]
	playCur   *fanout.Consumer[live.ServerMessage]
	textCur   *fanout.Consumer[live.ServerMessage]
	playback  audio.Playback
	stopProbe func()

	cancel context.CancelFunc
	done   chan struct{}
}

// release tears down in the order playback, capture, probe, network. Every
// step runs even if an earlier one failed.
func (r *run) release() error {
	var errs []error
	if r.playback != nil {
		if err := r.playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close playback: %w", err))
		}
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
	}
	if r.stopProbe != nil {
		r.stopProbe()
	}
	if r.fan != nil {
		r.fan.Close()
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (c *Controller) enter() {
	if !c.lifecycle.CompareAndSwap(false, true) {
		panic("session: concurrent lifecycle call")
	}
}

func (c *Controller) leave() { c.lifecycle.Store(false) }

// Start opens a new session. On failure everything acquired so far is
// released, the controller moves to Closed and the returned error is a
// [*fault.Error].
func (c *Controller) Start(ctx context.Context) error {
	c.enter()
	defer c.leave()

	c.mu.Lock()
	if c.snap.State.busy() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	settings := c.settings.withDefaults()
	r := &run{id: uuid.NewString(), done: make(chan struct{})}
	c.cur = r
	c.snap = Snapshot{ID: r.id, State: Connecting, StartedAt: c.now().UTC()}
	snap := c.snap
	c.mu.Unlock()
	c.emitState(snap)

	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(
		attribute.String("session_id", r.id),
	))
	r.log = observe.SessionLogger(ctx, r.id)

	if err := c.acquire(ctx, r, settings); err != nil {
		observe.EndSpan(span, err)
		c.setState(Closing)
		if rerr := r.release(); rerr != nil {
			r.log.Warn("session: rollback incomplete", "err", rerr)
		}
		c.recordStart(ctx, fault.KindOf(err).String())
		c.closed(err)
		r.log.Warn("session: start failed", "kind", fault.KindOf(err), "err", err)
		close(r.done)
		return err
	}

	span.End()
	c.setState(Active)
	c.recordStart(ctx, "ok")
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	c.launch(ctx, r, settings)
	r.log.Info("session: active", "voice", settings.Live.Voice, "overflow", settings.Overflow)
	return nil
}

// acquire opens capture, connection, fan-out cursors, playback and probe,
// in that order, recording each in r as soon as it exists.
func (c *Controller) acquire(ctx context.Context, r *run, s Settings) error {
	capture, err := c.capture.Open(ctx)
	if err != nil {
		return fault.FromDevice("open capture", err)
	}
	r.capture = capture

	cctx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
	conn, err := c.provider.Connect(cctx, s.Live)
	cancel()
	if err != nil {
		return fault.FromConnect(err)
	}
	r.conn = conn

	r.fan = fanout.New[live.ServerMessage](conn,
		fanout.WithQueueSize(s.QueueSize),
		fanout.WithPolicy(s.Overflow),
		fanout.WithOnDrop(c.onDrop),
		fanout.WithTerminal(func(err error) (live.ServerMessage, bool) {
			return live.StreamError{Reason: err.Error()}, true
		}),
	)
	if r.playCur, err = r.fan.Attach(consumerPlayback); err != nil {
		return fault.New(fault.NetworkSetupFailed, "attach playback", err)
	}
	if r.textCur, err = r.fan.Attach(consumerTranscript); err != nil {
		return fault.New(fault.NetworkSetupFailed, "attach transcript", err)
	}

	playback, err := c.playback.Open(ctx, audio.FormatBackendOutput)
	if err != nil {
		return fault.FromDevice("open playback", err)
	}
	r.playback = playback

	r.stopProbe = volume.Attach(capture, c.onLevel, volume.WithInterval(s.ProbeInterval))
	return nil
}

// launch starts the session tasks and the supervisor that tears the session
// down once any task fails or Stop cancels the run.
func (c *Controller) launch(ctx context.Context, r *run, s Settings) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	ext := transcript.New(
		transcript.WithSessionID(r.id),
		transcript.WithRecorder(c.recorder),
		transcript.OnUpdate(func(l transcript.Line) {
			if c.cb.OnTranscript != nil {
				c.cb.OnTranscript(l.Role, l.Text, l.Final)
			}
		}),
		transcript.OnFinal(func(e transcript.Entry) {
			if c.cb.OnFinalTranscript != nil {
				c.cb.OnFinalTranscript(e)
			}
		}),
		transcript.OnSpeaking(c.setSpeaking),
		transcript.OnToolCall(func(ctx context.Context, tc live.ToolCall) {
			c.propose(ctx, r, s.ContextScope, tc)
		}),
	)

	g.Go(func() error { return c.uplink(gctx, r) })
	g.Go(func() error { return c.playLoop(gctx, r) })
	g.Go(func() error {
		ext.Run(gctx, r.textCur)
		return nil
	})
	r.fan.Start()

	go c.supervise(gctx, g, r)
}

// supervise waits for the first task failure or Stop, releases every
// resource, waits for the tasks and publishes Closed.
func (c *Controller) supervise(gctx context.Context, g *errgroup.Group, r *run) {
	<-gctx.Done()
	cause := closeCause(context.Cause(gctx))

	c.setState(Closing)
	r.cancel()
	relErr := r.release()
	_ = g.Wait()
	if relErr != nil {
		r.log.Warn("session: teardown incomplete", "err", relErr)
	}

	ctx := context.Background()
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, -1)
		started := c.Snapshot().StartedAt
		c.metrics.SessionDuration.Record(ctx, c.now().Sub(started).Seconds())
		if cause != nil {
			c.metrics.RecordSessionFault(ctx, fault.KindOf(cause).String())
		}
	}
	c.closed(cause)
	if cause != nil {
		r.log.Warn("session: closed by fault", "kind", fault.KindOf(cause), "err", cause)
	} else {
		r.log.Info("session: closed")
	}
	close(r.done)
}

// closeCause maps the run's cancellation cause to LastError. Stop and clean
// peer close yield nil.
func closeCause(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errPeerClosed) {
		return nil
	}
	return err
}

// Stop ends the session and returns once teardown finished. It is a no-op
// when nothing is running and waits for an in-flight fault teardown instead
// of starting a second one.
func (c *Controller) Stop() {
	c.enter()
	defer c.leave()

	c.mu.Lock()
	r := c.cur
	state := c.snap.State
	c.mu.Unlock()
	if r == nil || state == Idle || state == Closed {
		return
	}
	r.cancel()
	<-r.done
}

// ── Tasks ────────────────────────────────────────────────────────────────────

// uplink forwards capture frames to the backend in its input format.
func (c *Controller) uplink(ctx context.Context, r *run) error {
	conv := &audio.Converter{Target: audio.FormatBackendInput}
	frames := r.capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err := r.capture.Err()
				if err == nil {
					err = audio.ErrDeviceUnavailable
				}
				return fault.FromDevice("capture", err)
			}
			out := conv.Convert(f)
			if len(out.Data) == 0 {
				continue
			}
			if err := r.conn.SendAudio(ctx, out.Data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if fe := fault.FromStream(err); fe != nil {
					return fe
				}
				return errPeerClosed
			}
		}
	}
}

// playLoop plays backend audio and reports how the stream ended.
func (c *Controller) playLoop(ctx context.Context, r *run) error {
	for {
		msg, err := r.playCur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, fanout.ErrConsumerOverflow) {
				return fault.New(fault.StreamFault, "playback backlog", err)
			}
			if fe := fault.FromStream(err); fe != nil {
				return fe
			}
			return errPeerClosed
		}
		frame, ok := msg.(live.AudioFrame)
		if !ok || len(frame.Data) == 0 {
			continue
		}
		out := audio.AudioFrame{
			Data:       frame.Data,
			SampleRate: audio.FormatBackendOutput.SampleRate,
			Channels:   audio.FormatBackendOutput.Channels,
		}
		if err := r.playback.Play(out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fault.FromDevice("play", err)
		}
	}
}

// propose hands a tool call to the review queue and tells the backend it is
// pending, never executed.
func (c *Controller) propose(ctx context.Context, r *run, scope string, tc live.ToolCall) {
	ctx = context.WithoutCancel(ctx)
	result := map[string]any{"status": "error"}
	if c.proposer == nil {
		r.log.Warn("session: tool call without review queue", "function_name", tc.Name)
	} else {
		id, err := c.proposer.Propose(ctx, action.Proposal{
			FunctionName: tc.Name,
			Args:         tc.Args,
			Origin:       action.OriginLiveVoice,
			ContextScope: scope,
			SessionID:    r.id,
			ToolCallID:   tc.ID,
		})
		if err != nil {
			r.log.Warn("session: failed to propose action", "function_name", tc.Name, "err", err)
		} else {
			result = map[string]any{"status": "pending_review", "action_id": id}
		}
	}
	if err := r.conn.SendToolResponse(ctx, tc.ID, tc.Name, result); err != nil {
		r.log.Warn("session: failed to answer tool call", "call_id", tc.ID, "err", err)
	}
}

// ── State helpers ────────────────────────────────────────────────────────────

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.snap.State = s
	snap := c.snap
	c.mu.Unlock()
	c.emitState(snap)
}

// closed publishes Closed with cause as LastError.
func (c *Controller) closed(cause error) {
	c.mu.Lock()
	wasSpeaking := c.snap.Speaking
	c.snap.State = Closed
	c.snap.Speaking = false
	c.snap.ClosedAt = c.now().UTC()
	c.snap.LastError = cause
	snap := c.snap
	c.mu.Unlock()

	if wasSpeaking && c.cb.OnSpeaking != nil {
		c.cb.OnSpeaking(false)
	}
	c.emitState(snap)
}

func (c *Controller) setSpeaking(v bool) {
	c.mu.Lock()
	c.snap.Speaking = v
	c.mu.Unlock()
	if c.cb.OnSpeaking != nil {
		c.cb.OnSpeaking(v)
	}
}

func (c *Controller) emitState(s Snapshot) {
	if c.cb.OnState != nil {
		c.cb.OnState(s)
	}
}

func (c *Controller) onLevel(v float64) {
	if c.cb.OnLevel != nil {
		c.cb.OnLevel(v)
	}
}

func (c *Controller) onDrop(consumer string) {
	if c.metrics != nil {
		c.metrics.RecordDrop(context.Background(), consumer)
	}
}

func (c *Controller) recordStart(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordSessionStart(ctx, status)
	}
}
