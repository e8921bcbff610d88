package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/tracing"
	"rtmsrelay/pkg/utils"
	"rtmsrelay/pkg/validation"

	"go.uber.org/zap"
)

const (
	defaultClaimTTL     = 6 * time.Hour
	defaultCloseTimeout = 5 * time.Second
	reportTimeout       = 2 * time.Second
)

type RelayOptions struct {
	// ClaimTTL bounds how long a directory claim survives a crashed instance.
	ClaimTTL time.Duration
	// CloseTimeout bounds each teardown wait for a socket to finish.
	CloseTimeout time.Duration
}

// relaySession is one signaling/media pair and its capture pipeline.
type relaySession struct {
	identity     domain.SessionIdentity
	signalingURL string
	startedAt    time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	pipeline ports.CapturePipeline

	mu        sync.RWMutex
	signaling ports.SessionClient
	media     ports.MediaSession
	mediaURL  string

	// ready is guarded by relayService.mu; set once the session is launched.
	ready bool

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func (s *relaySession) mediaSession() ports.MediaSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

func (s *relaySession) info() *domain.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &domain.SessionInfo{
		Identity:         s.identity,
		Key:              s.identity.SignalingKey(),
		SignalingURL:     s.signalingURL,
		MediaURL:         s.mediaURL,
		SignalingState:   domain.StateInit,
		MediaState:       domain.StateInit,
		StreamingEnabled: s.pipeline.StreamingEnabled(),
		StartedAt:        s.startedAt,
	}
	if s.signaling != nil {
		info.SignalingState = s.signaling.State()
	}
	if s.media != nil {
		info.MediaState = s.media.State()
		info.RTMSSessionID = s.media.SessionID()
	}
	return info
}

type relayService struct {
	clients   ports.ClientFactory
	pipelines ports.PipelineFactory
	devices   ports.DeviceManager
	registry  ports.ConnectionRegistry
	directory ports.SessionDirectory
	reporter  *SessionStateReporter
	metrics   ports.MetricsRecorder
	status    ports.StatusSink
	logger    *zap.SugaredLogger
	opts      RelayOptions

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*relaySession
	closed   bool
	wg       sync.WaitGroup
}

func NewRelayService(
	clients ports.ClientFactory,
	pipelines ports.PipelineFactory,
	devices ports.DeviceManager,
	registry ports.ConnectionRegistry,
	directory ports.SessionDirectory, // may be nil
	metrics ports.MetricsRecorder,
	status ports.StatusSink,
	logger *zap.SugaredLogger,
	opts RelayOptions,
) ports.RelayService {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &relayService{
		clients:    clients,
		pipelines:  pipelines,
		devices:    devices,
		registry:   registry,
		directory:  directory,
		reporter:   NewSessionStateReporter(status, logger),
		metrics:    metrics,
		status:     status,
		logger:     logger,
		opts:       opts,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		sessions:   make(map[string]*relaySession),
	}
}

// Start validates the identity, acquires the capture devices and launches
// the signaling connection in the background. The returned snapshot is
// taken before the handshake completes.
func (s *relayService) Start(ctx context.Context, identity domain.SessionIdentity, signalingURL string) (_ *domain.SessionInfo, err error) {
	ctx, span := tracing.TraceSession(ctx, "start", identity.SignalingKey())
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if err := identity.Validate(); err != nil {
		return nil, err
	}
	url, err := validation.NormalizeWebSocketURL(signalingURL)
	if err != nil {
		return nil, fmt.Errorf("%w: signaling url: %v", domain.ErrInvalidArgument, err)
	}

	key := identity.SignalingKey()
	sess := &relaySession{
		identity:     identity,
		signalingURL: url,
		startedAt:    utils.Now(),
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("relay is shutting down")
	}
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, key)
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	abandon := func() {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}

	if s.directory != nil {
		claimed, err := s.directory.Claim(ctx, identity, s.opts.ClaimTTL)
		if err != nil {
			s.logger.Warnw("session directory unavailable, continuing without claim",
				"meeting_uuid", identity.MeetingUUID, "rtms_stream_id", identity.StreamID, "error", err)
		} else if !claimed {
			abandon()
			return nil, fmt.Errorf("%w: %s claimed by another relay instance", domain.ErrSessionExists, key)
		}
	}

	// Devices first: no socket is opened unless capture is possible.
	if err := s.devices.Acquire(ctx); err != nil {
		abandon()
		s.releaseClaim(identity)
		s.publish(key, domain.StatusError, "capture devices unavailable", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	pipeline, err := s.pipelines.NewPipeline(identity)
	if err != nil {
		abandon()
		s.releaseClaim(identity)
		return nil, fmt.Errorf("create capture pipeline: %w", err)
	}

	sess.ctx, sess.cancel = context.WithCancel(s.baseCtx)
	sess.pipeline = pipeline
	sess.signaling = s.clients.NewSignalingClient(identity, url, s.launcher(sess))

	s.mu.Lock()
	if s.closed {
		delete(s.sessions, key)
		s.mu.Unlock()
		sess.cancel()
		s.releaseClaim(identity)
		return nil, fmt.Errorf("relay is shutting down")
	}
	sess.ready = true
	s.mu.Unlock()

	s.metrics.SessionStarted()
	s.logger.Infow("session starting",
		"meeting_uuid", identity.MeetingUUID,
		"rtms_stream_id", identity.StreamID,
		"signaling_url", url,
	)
	s.publish(key, domain.StatusInfo, "Connecting to signaling server", map[string]interface{}{"url": url})

	s.wg.Add(1)
	go s.runSignaling(sess)

	return sess.info(), nil
}

func (s *relayService) runSignaling(sess *relaySession) {
	defer s.wg.Done()

	err := sess.signaling.Run(sess.ctx)
	if err != nil {
		s.logger.Warnw("signaling connection ended",
			"meeting_uuid", sess.identity.MeetingUUID,
			"rtms_stream_id", sess.identity.StreamID,
			"error", err,
		)
	}
	s.teardown(sess, stopReasonFor(err))
}

// launcher starts the media connection at the URL returned by the
// signaling handshake. It returns without waiting for the connection.
func (s *relayService) launcher(sess *relaySession) ports.MediaLauncher {
	return func(_ context.Context, mediaURL string) error {
		sess.mu.Lock()
		if sess.media != nil {
			sess.mu.Unlock()
			return fmt.Errorf("media connection already launched")
		}
		media := s.clients.NewMediaClient(sess.identity, mediaURL, sess.pipeline)
		sess.media = media
		sess.mediaURL = mediaURL
		sess.mu.Unlock()

		s.publish(sess.identity.SignalingKey(), domain.StatusInfo, "Connecting to media server", map[string]interface{}{"url": mediaURL})

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := media.Run(sess.ctx)
			if err != nil {
				s.logger.Warnw("media connection ended",
					"meeting_uuid", sess.identity.MeetingUUID,
					"rtms_stream_id", sess.identity.StreamID,
					"error", err,
				)
			}
			// either socket ending ends the session
			s.teardown(sess, stopReasonFor(err))
		}()
		return nil
	}
}

func stopReasonFor(err error) domain.StopReason {
	if err == nil {
		return domain.StopReasonMeetingEnded
	}
	return domain.StopReasonConnectionLost
}

// teardown runs once per session, in order: report STOPPED, stop capture,
// close media, close signaling, drop registry entries. Every step runs
// even if an earlier one failed.
func (s *relayService) teardown(sess *relaySession, reason domain.StopReason) error {
	sess.stopOnce.Do(func() {
		defer close(sess.done)

		key := sess.identity.SignalingKey()
		var errs []error

		media := sess.mediaSession()
		reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		if err := s.reporter.Report(reportCtx, key, media, domain.ReportedStopped, reason); err != nil {
			errs = append(errs, err)
		}
		cancel()

		sess.pipeline.Stop()

		if media != nil {
			if err := s.closeAndWait(media); err != nil {
				errs = append(errs, fmt.Errorf("close media connection: %w", err))
			}
		}
		if err := s.closeAndWait(sess.signaling); err != nil {
			errs = append(errs, fmt.Errorf("close signaling connection: %w", err))
		}
		sess.cancel()

		for _, k := range []string{sess.identity.SignalingKey(), sess.identity.MediaKey()} {
			if _, ok := s.registry.Get(k); ok {
				s.registry.Remove(k)
			}
		}

		s.mu.Lock()
		if cur, ok := s.sessions[key]; ok && cur == sess {
			delete(s.sessions, key)
		}
		s.mu.Unlock()

		s.releaseClaim(sess.identity)
		s.metrics.SessionEnded()

		sess.err = errors.Join(errs...)
		if sess.err != nil {
			s.logger.Warnw("session teardown incomplete", "meeting_uuid", sess.identity.MeetingUUID,
				"rtms_stream_id", sess.identity.StreamID, "reason", reason, "error", sess.err)
		} else {
			s.logger.Infow("session stopped", "meeting_uuid", sess.identity.MeetingUUID,
				"rtms_stream_id", sess.identity.StreamID, "reason", reason)
		}
		s.publish(key, domain.StatusInfo, "Session stopped", map[string]interface{}{"reason": reason})
	})
	<-sess.done
	return sess.err
}

func (s *relayService) closeAndWait(c ports.SessionClient) error {
	if err := c.Close(); err != nil {
		return err
	}
	timer := time.NewTimer(s.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: not closed within %s", domain.ErrTransport, s.opts.CloseTimeout)
	}
}

func (s *relayService) releaseClaim(identity domain.SessionIdentity) {
	if s.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := s.directory.Release(ctx, identity); err != nil {
		s.logger.Warnw("failed to release session claim", "meeting_uuid", identity.MeetingUUID,
			"rtms_stream_id", identity.StreamID, "error", err)
	}
}

func (s *relayService) lookup(key string) (*relaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok || !sess.ready {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}
	return sess, nil
}

func (s *relayService) Stop(ctx context.Context, key string, reason domain.StopReason) (err error) {
	ctx, span := tracing.TraceSession(ctx, "stop", key)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	sess, err := s.lookup(key)
	if err != nil {
		return err
	}
	if reason == domain.StopReasonNone {
		reason = domain.StopReasonUserRequested
	}
	return s.teardown(sess, reason)
}

// SetStreaming toggles the pipeline without touching the devices and tells
// the remote party whether the stream is paused.
func (s *relayService) SetStreaming(ctx context.Context, key string, enabled bool) (err error) {
	ctx, span := tracing.TraceSession(ctx, "streaming", key)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	sess, err := s.lookup(key)
	if err != nil {
		return err
	}
	sess.pipeline.SetStreamingEnabled(enabled)

	state, msg := domain.ReportedActive, "Streaming enabled"
	if !enabled {
		state, msg = domain.ReportedPaused, "Streaming disabled"
	}
	s.publish(key, domain.StatusInfo, msg, nil)
	return s.reporter.Report(ctx, key, sess.mediaSession(), state, domain.StopReasonNone)
}

// SendTranscript forwards a line of recognized speech. Text produced while
// streaming is disabled is dropped.
func (s *relayService) SendTranscript(ctx context.Context, key string, userID int, text string) error {
	if text == "" {
		return fmt.Errorf("%w: transcript text is empty", domain.ErrInvalidArgument)
	}
	sess, err := s.lookup(key)
	if err != nil {
		return err
	}
	media := sess.mediaSession()
	if media == nil || !media.IsOpen() {
		return domain.ErrNotOpen
	}
	if !sess.pipeline.StreamingEnabled() {
		s.metrics.RecordFrameDropped(domain.FrameTranscript, "paused")
		return nil
	}
	return media.SendFrame(ctx, &domain.MediaFrame{
		Type:       domain.FrameTranscript,
		UserID:     userID,
		Data:       text,
		CapturedAt: utils.Now(),
	})
}

func (s *relayService) Get(key string) (*domain.SessionInfo, error) {
	sess, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return sess.info(), nil
}

func (s *relayService) List() []*domain.SessionInfo {
	s.mu.RLock()
	out := make([]*domain.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ready {
			out = append(out, sess.info())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops every session, closes whatever is left in the registry
// and releases the capture devices.
func (s *relayService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*relaySession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ready {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *relaySession) {
			defer wg.Done()
			if err := s.teardown(sess, domain.StopReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()

	if err := s.registry.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	if err := s.devices.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release capture devices: %w", err))
	}
	return errors.Join(errs...)
}

func (s *relayService) publish(key string, level domain.StatusLevel, msg string, details map[string]interface{}) {
	if s.status == nil {
		return
	}
	s.status.Publish(domain.StatusEvent{
		SessionKey: key,
		Source:     "relay",
		Level:      level,
		Message:    msg,
		Details:    details,
		Timestamp:  utils.Now(),
	})
}
