package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/umindsales/magus/internal/auth"
	"github.com/umindsales/magus/internal/observe"
	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/live"
	"github.com/umindsales/magus/pkg/provider/stt"
	"github.com/umindsales/magus/pkg/provider/tts"
)

// DefaultReplyTimeout bounds the wait between a text turn and the next sign
// of a reply.
const DefaultReplyTimeout = 30 * time.Second

// Status is a snapshot of what the caller should show.
type Status struct {
	// SessionID identifies the current or most recent conversation.
	SessionID string

	State State

	// Attempt is the reconnect attempt in progress, 0 otherwise.
	Attempt int

	// Err is the most recent error. It is kept until a newer one replaces it
	// or a new conversation starts.
	Err error

	// Reply is the last complete text reply.
	Reply string

	// Partial is the reply text received so far while a reply streams.
	Partial string

	// Provider names the model backend behind Reply, when known.
	Provider string

	Muted  bool
	Queued int

	// Active is true between StartConversation and StopConversation.
	Active bool
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithCapture sets the microphone. Without one, conversations are text only.
func WithCapture(c audio.Capture) Option {
	return func(o *Orchestrator) { o.capture = c }
}

// WithPlayer sets the speaker. Without one, audio replies are discarded.
func WithPlayer(p audio.Player) Option {
	return func(o *Orchestrator) { o.player = p }
}

// WithSpeech speaks complete text replies through p when the backend
// produces no audio of its own.
func WithSpeech(p tts.Provider, voice tts.Voice) Option {
	return func(o *Orchestrator) {
		o.speech = p
		o.voice = voice
	}
}

// WithTranscriber routes microphone audio through p when the backend takes no
// audio input; each final transcript is sent as a text turn.
func WithTranscriber(p stt.Provider, language string) Option {
	return func(o *Orchestrator) {
		o.transcriber = p
		o.language = language
	}
}

// WithSetup sets the Setup sent on every connection. The knowledge context
// passed to StartConversation overrides Setup.KnowledgeContext.
func WithSetup(s live.Setup) Option {
	return func(o *Orchestrator) { o.setup = s }
}

// WithReplyTimeout bounds the wait for a reply to a text turn; 0 disables it.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.replyTimeout = d }
}

// WithTransport appends options applied to every conversation's [Transport].
func WithTransport(opts ...TransportOption) Option {
	return func(o *Orchestrator) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithOrchestratorClock replaces the clock used for reply timers and
// reconnect scheduling.
func WithOrchestratorClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics records session, latency and provider metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs one voice conversation at a time against a live backend.
// It owns the capture device and the connection for the conversation's
// lifetime, routes microphone audio out and replies back to the speaker, and
// reports everything that happens as [Status] snapshots. Backend and network
// faults never escape as errors from anything but StartConversation's
// preconditions; they show up in Status.Err.
//
// Independent Orchestrators share nothing and may run side by side.
type Orchestrator struct {
	provider      live.Provider
	creds         auth.CredentialSource
	capture       audio.Capture
	player        audio.Player
	speech        tts.Provider
	voice         tts.Voice
	transcriber   stt.Provider
	language      string
	setup         live.Setup
	replyTimeout  time.Duration
	transportOpts []TransportOption
	clock         Clock
	metrics       *observe.Metrics

	updates chan Status

	// startMu serialises StartConversation.
	startMu sync.Mutex

	mu     sync.Mutex
	conv   *conversation
	status Status
	muted  bool
}

// conversation is the state of one StartConversation..StopConversation span.
type conversation struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	transport *Transport
	wg        sync.WaitGroup

	// done is closed once StopConversation has torn the conversation down.
	done chan struct{}

	// Guarded by Orchestrator.mu.
	stopping    bool
	replyTimer  Timer
	replySeq    uint64
	sentAt      time.Time
	speakCancel context.CancelFunc
}

// New returns an idle Orchestrator for provider. creds is consulted at the
// start of every conversation.
func New(provider live.Provider, creds auth.CredentialSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:     provider,
		creds:        creds,
		voice:        tts.DefaultVoice(),
		replyTimeout: DefaultReplyTimeout,
		clock:        realClock{},
		updates:      make(chan Status, 1),
		status:       Status{State: Disconnected},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetSetup replaces the setup sent by later conversations. A running
// conversation keeps the setup it connected with.
func (o *Orchestrator) SetSetup(s live.Setup) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setup = s
}

// Updates delivers status snapshots. Only the latest undelivered snapshot is
// kept, so a slow reader skips intermediate states but always sees the most
// recent one.
func (o *Orchestrator) Updates() <-chan Status { return o.updates }

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// StartConversation checks for a credential, acquires the microphone,
// connects and starts streaming. It fails with [ErrAuthRequired] or
// [ErrDeviceUnavailable] without attempting a connection, and with
// [ErrAlreadyActive] while a conversation runs or is still being stopped.
// Connection failures are not returned: they are retried and reported through
// Status.
func (o *Orchestrator) StartConversation(ctx context.Context, knowledgeContext string) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	active := o.conv != nil
	o.mu.Unlock()
	if active {
		return ErrAlreadyActive
	}

	if err := o.checkCredential(ctx); err != nil {
		o.reportIdle(err)
		return err
	}

	id := uuid.NewString()
	convCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	var mic <-chan audio.Buffer
	if o.capture != nil {
		var err error
		if mic, err = o.capture.Open(convCtx); err != nil {
			cancel()
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
			o.reportIdle(err)
			return err
		}
	}

	conv := &conversation{id: id, ctx: convCtx, cancel: cancel, done: make(chan struct{})}
	opts := append([]TransportOption{
		WithClock(o.clock),
		WithStateObserver(func(c StateChange) { o.onStateChange(conv, c) }),
	}, o.transportOpts...)
	if o.metrics != nil {
		opts = append(opts, WithTransportMetrics(o.metrics))
	}
	conv.transport = NewTransport(o.provider, opts...)

	o.mu.Lock()
	o.conv = conv
	o.status = Status{SessionID: conv.id, State: Disconnected, Active: true}
	o.publishLocked()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(convCtx, 1, metric.WithAttributes(observe.Attr("provider", o.provider.Name())))
	}
	observe.Logger(convCtx).Info("session: conversation started", "provider", o.provider.Name())

	conv.wg.Add(1)
	go o.dispatch(conv)
	if mic != nil {
		conv.wg.Add(1)
		go o.feed(conv, mic)
	}

	o.mu.Lock()
	setup := o.setup
	o.mu.Unlock()
	setup.KnowledgeContext = knowledgeContext
	if err := conv.transport.Connect(convCtx, setup); err != nil {
		observe.Logger(convCtx).Warn("session: initial connect failed", "err", err)
	}
	return nil
}

func (o *Orchestrator) checkCredential(ctx context.Context) error {
	if o.creds == nil {
		return ErrAuthRequired
	}
	token, err := o.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}
	if strings.TrimSpace(token) == "" {
		return ErrAuthRequired
	}
	return nil
}

// StopConversation stops capture, closes the connection and discards queued
// input. Calling it with no conversation running does nothing; calling it
// while another stop is in progress waits for that stop to finish.
//
// The conversation stays installed until teardown completes, and
// StartConversation fails with [ErrAlreadyActive] until then.
func (o *Orchestrator) StopConversation() {
	o.mu.Lock()
	conv := o.conv
	if conv == nil {
		o.mu.Unlock()
		return
	}
	if conv.stopping {
		o.mu.Unlock()
		<-conv.done
		return
	}
	conv.stopping = true
	o.stopReplyTimerLocked(conv)
	if conv.speakCancel != nil {
		conv.speakCancel()
	}
	o.status.State = Disconnected
	o.status.Attempt = 0
	o.status.Partial = ""
	o.status.Queued = 0
	o.status.Active = false
	o.publishLocked()
	o.mu.Unlock()

	// Cancelling the conversation context also ends its capture stream.
	conv.cancel()
	conv.transport.Disconnect()
	if o.player != nil {
		o.player.Flush()
	}
	conv.wg.Wait()

	o.mu.Lock()
	if o.conv == conv {
		o.conv = nil
	}
	o.mu.Unlock()
	close(conv.done)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(context.Background(), -1, metric.WithAttributes(observe.Attr("provider", o.provider.Name())))
	}
	observe.Logger(conv.ctx).Info("session: conversation stopped")
}

// ToggleMute flips playback muting and reports the new value. Muting drops
// audio already queued for playback; text replies keep arriving.
func (o *Orchestrator) ToggleMute() bool {
	o.mu.Lock()
	o.muted = !o.muted
	muted := o.muted
	o.publishLocked()
	o.mu.Unlock()

	if muted && o.player != nil {
		o.player.Flush()
	}
	return muted
}

// StopSpeaking cuts off the reply being played.
func (o *Orchestrator) StopSpeaking() {
	o.mu.Lock()
	if conv := o.conv; conv != nil && !conv.stopping && conv.speakCancel != nil {
		conv.speakCancel()
		conv.speakCancel = nil
	}
	o.mu.Unlock()

	if o.player != nil {
		o.player.Flush()
	}
}

// SendText sends text as a complete user turn. While the connection is down
// the turn waits in the queue. It fails with [ErrInvalidState] when no
// conversation is running or text is blank.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidState)
	}

	o.mu.Lock()
	conv := o.conv
	if conv != nil && conv.stopping {
		conv = nil
	}
	o.mu.Unlock()
	if conv == nil {
		return fmt.Errorf("%w: no conversation", ErrInvalidState)
	}
	return o.sendTurn(ctx, conv, text)
}

func (o *Orchestrator) sendTurn(ctx context.Context, conv *conversation, text string) error {
	if err := conv.transport.Send(ctx, live.TextTurn(text)); err != nil {
		o.report(conv, err)
		return err
	}

	o.mu.Lock()
	if o.currentLocked(conv) {
		conv.sentAt = o.clock.Now()
		o.armReplyTimerLocked(conv)
		o.status.Queued = conv.transport.QueueLen()
		o.publishLocked()
	}
	o.mu.Unlock()
	return nil
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) dispatch(conv *conversation) {
	defer conv.wg.Done()
	events := conv.transport.Events()
	for {
		select {
		case <-conv.ctx.Done():
			return
		case ev := <-events:
			o.handleEvent(conv, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(conv *conversation, ev live.Event) {
	switch ev := ev.(type) {
	case live.ConnectionEstablished:
		observe.Logger(conv.ctx).Debug("session: backend ready")

	case live.StreamStart:
		o.interruptSpeech(conv)
		o.update(conv, func(s *Status) {
			s.Partial = ""
			o.armReplyTimerLocked(conv)
		})

	case live.StreamChunk:
		o.update(conv, func(s *Status) {
			s.Partial = ev.CumulativeText
			o.armReplyTimerLocked(conv)
		})

	case live.ModelTurn:
		if len(ev.Audio) > 0 {
			o.play(ev.Buffer())
		}
		if ev.Text != "" {
			o.update(conv, func(s *Status) { s.Partial += ev.Text })
		}

	case live.StreamComplete:
		var latency time.Duration
		o.update(conv, func(s *Status) {
			o.stopReplyTimerLocked(conv)
			if !conv.sentAt.IsZero() {
				latency = o.clock.Now().Sub(conv.sentAt)
				conv.sentAt = time.Time{}
			}
			s.Reply = ev.FinalText
			s.Partial = ""
			s.Provider = ev.Provider
		})
		if o.metrics != nil && latency > 0 {
			o.metrics.ReplyLatency.Record(conv.ctx, latency.Seconds(),
				metric.WithAttributes(observe.Attr("provider", o.provider.Name())))
		}
		if !o.provider.Capabilities().AudioOutput && o.speech != nil && ev.FinalText != "" {
			o.speak(conv, ev.FinalText)
		}

	case live.Interrupted:
		o.interruptSpeech(conv)

	case live.ErrorEvent:
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Message)
		}
		switch {
		case errors.Is(err, ErrProtocol):
		case errors.Is(err, live.ErrMalformedFrame):
			err = fmt.Errorf("%w: %w", ErrProtocol, err)
		default:
			err = fmt.Errorf("%w: %w", ErrRemoteAPI, err)
		}
		o.update(conv, func(*Status) { o.stopReplyTimerLocked(conv) })
		o.report(conv, err)
	}
}

// speak synthesises text and plays it. A newer reply, StopSpeaking or the end
// of the conversation cancels it.
func (o *Orchestrator) speak(conv *conversation, text string) {
	ctx, cancel := context.WithCancel(conv.ctx)
	o.mu.Lock()
	if conv.speakCancel != nil {
		conv.speakCancel()
	}
	conv.speakCancel = cancel
	o.mu.Unlock()

	conv.wg.Add(1)
	go func() {
		defer conv.wg.Done()
		defer cancel()

		start := o.clock.Now()
		sctx, span := observe.StartSpan(ctx, "tts.speak", trace.WithAttributes(
			observe.AttrProvider.String(o.speech.Name()),
			attribute.Int("magus.text_length", len(text)),
		))
		buf, err := o.speech.Synthesize(sctx, text, o.voice)
		observe.EndSpan(span, err)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.report(conv, fmt.Errorf("%w: speech %s: %w", ErrRemoteAPI, o.speech.Name(), err))
			return
		}
		if o.metrics != nil {
			o.metrics.TTSDuration.Record(ctx, o.clock.Now().Sub(start).Seconds(),
				metric.WithAttributes(observe.Attr("provider", o.speech.Name())))
		}
		o.play(buf)
	}()
}

func (o *Orchestrator) interruptSpeech(conv *conversation) {
	o.mu.Lock()
	if conv.speakCancel != nil {
		conv.speakCancel()
		conv.speakCancel = nil
	}
	o.mu.Unlock()
	if o.player != nil {
		o.player.Flush()
	}
}

func (o *Orchestrator) play(buf audio.Buffer) {
	if o.player == nil || len(buf.Samples) == 0 {
		return
	}
	o.mu.Lock()
	muted := o.muted
	o.mu.Unlock()
	if muted {
		return
	}
	if err := o.player.Play(buf); err != nil {
		slog.Warn("session: playback failed", "err", err)
	}
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// feed forwards microphone audio until capture closes.
func (o *Orchestrator) feed(conv *conversation, mic <-chan audio.Buffer) {
	defer conv.wg.Done()
	switch {
	case o.provider.Capabilities().AudioInput:
		conv16 := audio.Converter{Target: audio.Format{SampleRate: audio.CaptureRate, Channels: 1}}
		for buf := range mic {
			buf = conv16.Convert(buf)
			turn := live.AudioTurn(audio.EncodePCM16(buf.Samples), audio.CaptureRate)
			if err := conv.transport.Send(conv.ctx, turn); err != nil {
				observe.Logger(conv.ctx).Warn("session: dropping audio chunk", "err", err)
			}
		}
	case o.transcriber != nil:
		o.transcribe(conv, mic)
	default:
		audio.Drain(mic)
	}
}

// transcribe streams microphone audio to the transcriber and sends each final
// transcript as a text turn.
func (o *Orchestrator) transcribe(conv *conversation, mic <-chan audio.Buffer) {
	sess, err := o.transcriber.StartStream(conv.ctx, stt.StreamConfig{
		SampleRate: audio.CaptureRate,
		Channels:   1,
		Language:   o.language,
		Keywords:   []stt.KeywordBoost{{Keyword: "MAGUS", Boost: 2}},
	})
	if err != nil {
		o.report(conv, fmt.Errorf("%w: transcriber: %w", ErrRemoteAPI, err))
		audio.Drain(mic)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Debug("session: close transcriber", "err", err)
		}
	}()

	go audio.Drain(sess.Partials())
	conv.wg.Add(1)
	go func() {
		defer conv.wg.Done()
		for tr := range sess.Finals() {
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			observe.Logger(conv.ctx).Debug("session: transcript", "text", tr.Text)
			_ = o.sendTurn(conv.ctx, conv, tr.Text)
		}
	}()

	conv16 := audio.Converter{Target: audio.Format{SampleRate: audio.CaptureRate, Channels: 1}}
	for buf := range mic {
		buf = conv16.Convert(buf)
		if err := sess.SendAudio(audio.EncodePCM16(buf.Samples)); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				audio.Drain(mic)
				return
			}
			slog.Warn("session: transcriber rejected audio", "err", err)
		}
	}
}

// ── Status ───────────────────────────────────────────────────────────────────

// onStateChange mirrors transport transitions into Status. It runs under the
// transport's lock and must not call back into it.
func (o *Orchestrator) onStateChange(conv *conversation, c StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(conv) {
		return
	}
	o.status.State = c.To
	o.status.Attempt = c.Attempt
	if c.Err != nil {
		o.status.Err = c.Err
	}
	if c.To != Connected {
		o.stopReplyTimerLocked(conv)
	}
	o.publishLocked()
}

// currentLocked reports whether conv is the running conversation and is not
// being stopped.
func (o *Orchestrator) currentLocked(conv *conversation) bool {
	return o.conv == conv && !conv.stopping
}

// update applies fn to the status of conv, if conv is still current.
func (o *Orchestrator) update(conv *conversation, fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(conv) {
		return
	}
	fn(&o.status)
	o.publishLocked()
}

// report records err as the conversation's latest error.
func (o *Orchestrator) report(conv *conversation, err error) {
	observe.Logger(conv.ctx).Warn("session: error", "kind", Kind(err), "err", err)
	if o.metrics != nil {
		o.metrics.RecordProviderError(context.Background(), o.provider.Name(), string(Kind(err)))
	}
	o.update(conv, func(s *Status) { s.Err = err })
}

// reportIdle records a failed start.
func (o *Orchestrator) reportIdle(err error) {
	slog.Warn("session: cannot start conversation", "kind", Kind(err), "err", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = Status{SessionID: o.status.SessionID, State: Disconnected, Err: err}
	o.publishLocked()
}

func (o *Orchestrator) snapshotLocked() Status {
	s := o.status
	s.Muted = o.muted
	return s
}

// publishLocked replaces any undelivered snapshot with the current one.
func (o *Orchestrator) publishLocked() {
	s := o.snapshotLocked()
	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- s:
	default:
	}
}

// ── Reply timer ──────────────────────────────────────────────────────────────

// armReplyTimerLocked restarts the reply timer if a turn is awaiting a reply.
func (o *Orchestrator) armReplyTimerLocked(conv *conversation) {
	if conv.sentAt.IsZero() || o.replyTimeout <= 0 {
		return
	}
	if conv.replyTimer != nil {
		conv.replyTimer.Stop()
	}
	conv.replySeq++
	seq := conv.replySeq
	conv.replyTimer = o.clock.AfterFunc(o.replyTimeout, func() { o.replyTimedOut(conv, seq) })
}

func (o *Orchestrator) stopReplyTimerLocked(conv *conversation) {
	if conv.replyTimer != nil {
		conv.replyTimer.Stop()
		conv.replyTimer = nil
	}
	conv.replySeq++
}

func (o *Orchestrator) replyTimedOut(conv *conversation, seq uint64) {
	o.mu.Lock()
	if !o.currentLocked(conv) || conv.replySeq != seq {
		o.mu.Unlock()
		return
	}
	conv.replyTimer = nil
	conv.sentAt = time.Time{}
	o.mu.Unlock()

	o.report(conv, fmt.Errorf("%w after %s", ErrReplyTimeout, o.replyTimeout))
}
