// Package negotiation serializes signaling messages onto a peer connection.
//
// The transport delivers offer/answer/candidate messages with no ordering
// relative to the remote party's writes. The queue restores the only ordering
// that matters locally: one message applied at a time, in receipt order, with
// ICE candidates held back until a remote description exists.
package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/rtc"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// Signaler is the only surface the negotiation layer needs from the
// signaling transport.
type Signaler interface {
	Publish(ctx context.Context, sig *domain.Signal) error
	SubscribeInbound(ctx context.Context, callID string, userID uuid.UUID, fn func(*domain.Signal)) (func(), error)
}

// StreamEvent describes a local or remote media stream becoming available
type StreamEvent struct {
	CallID   string
	StreamID string
	Degraded bool // video capture failed, stream is audio only
}

// Observer receives media stream notifications. A nil event means the stream
// went away (session teardown).
type Observer interface {
	OnLocalStream(evt *StreamEvent)
	OnRemoteStream(evt *StreamEvent)
}

// Queue is one negotiation session. It owns the peer connection for a single
// call and guarantees at most one signaling message is being applied at any
// time. A Queue is reusable: Stop returns it to idle and Start arms it for
// the next call.
type Queue struct {
	engine   rtc.Engine
	signaler Signaler

	mu            sync.Mutex
	active        bool
	callID        string
	localID       uuid.UUID
	remoteID      uuid.UUID
	pc            rtc.PeerConnection
	media         rtc.MediaStream
	ctx           context.Context
	cancel        context.CancelFunc
	unsubscribe   func()
	inbox         []*domain.Signal
	pending       []domain.ICECandidate
	remoteDescSet bool
	processing    bool
	remoteSeen    bool

	observerMu sync.RWMutex
	observers  []Observer
	onFailure  func(callID string, err error)

	drainPause time.Duration
}

// New creates an idle queue
func New(engine rtc.Engine, signaler Signaler) *Queue {
	return &Queue{
		engine:     engine,
		signaler:   signaler,
		drainPause: constants.SignalDrainPause,
	}
}

// Register adds a media stream observer
func (q *Queue) Register(o Observer) {
	q.observerMu.Lock()
	defer q.observerMu.Unlock()
	q.observers = append(q.observers, o)
}

// Unregister removes a previously registered observer
func (q *Queue) Unregister(o Observer) {
	q.observerMu.Lock()
	defer q.observerMu.Unlock()
	for i, obs := range q.observers {
		if obs == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return
		}
	}
}

// OnFailure sets the callback fired after a fatal negotiation failure. The
// queue tears itself down before the callback runs.
func (q *Queue) OnFailure(fn func(callID string, err error)) {
	q.observerMu.Lock()
	defer q.observerMu.Unlock()
	q.onFailure = fn
}

// Active reports whether a session is currently running
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Start brings up local media, the peer connection and the inbound signal
// subscription for one call. The initiator additionally creates and publishes
// the offer. Calling Start while a session is active is a no-op.
func (q *Queue) Start(ctx context.Context, callID string, localID, remoteID uuid.UUID, initiator, video bool) error {
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		logger.Debug("Negotiation session already active, ignoring start",
			zap.String("call_id", q.callID))
		return nil
	}
	// The session outlives the caller's request context
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.active = true
	q.callID = callID
	q.localID = localID
	q.remoteID = remoteID
	q.ctx = sessCtx
	q.cancel = cancel
	q.remoteDescSet = false
	q.remoteSeen = false
	q.processing = false
	q.inbox = nil
	q.pending = nil
	q.mu.Unlock()

	media, err := q.engine.CaptureMedia(video)
	degraded := false
	if err != nil && video {
		logger.Warn("Video capture failed, retrying audio only",
			zap.String("call_id", callID),
			zap.Error(err))
		metrics.MediaFallbacksTotal.Inc()
		media, err = q.engine.CaptureMedia(false)
		degraded = true
	}
	if err != nil {
		q.Stop()
		return apperrors.MediaError("failed to acquire local media", err)
	}
	q.mu.Lock()
	q.media = media
	q.mu.Unlock()

	pc, err := q.engine.NewPeerConnection(media)
	if err != nil {
		q.Stop()
		return apperrors.NegotiationError("failed to create peer connection", err)
	}
	q.mu.Lock()
	q.pc = pc
	q.mu.Unlock()

	// Every locally gathered candidate goes out immediately, unbatched
	pc.OnICECandidate(func(cand domain.ICECandidate) {
		c := cand
		q.publish(domain.SignalCandidate, nil, &c)
	})
	pc.OnTrack(q.handleRemoteTrack)

	unsub, err := q.signaler.SubscribeInbound(sessCtx, callID, localID, q.Enqueue)
	if err != nil {
		q.Stop()
		return apperrors.TransportError("failed to subscribe to signaling", err)
	}
	q.mu.Lock()
	q.unsubscribe = unsub
	q.mu.Unlock()

	q.notifyLocal(&StreamEvent{CallID: callID, StreamID: media.ID(), Degraded: degraded})

	if initiator {
		offer, err := pc.CreateOffer()
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			q.Stop()
			return apperrors.NegotiationError("failed to create offer", err)
		}
		// A lost offer means the remote side never hears the call; nothing
		// downstream can recover that, so the start fails.
		if err := q.publish(domain.SignalOffer, &offer, nil); err != nil {
			q.Stop()
			return err
		}
	}

	logger.Info("Negotiation session started",
		zap.String("call_id", callID),
		zap.Bool("initiator", initiator),
		zap.Bool("video", video),
		zap.Bool("degraded", degraded))

	return nil
}

// Enqueue appends an inbound signal and kicks the drain loop if it is idle
func (q *Queue) Enqueue(sig *domain.Signal) {
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return
	}
	q.inbox = append(q.inbox, sig)
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	go q.drain()
}

// drain applies queued signals one at a time until the inbox is empty. The
// pause between messages keeps the native peer connection from absorbing
// back-to-back state mutations.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if !q.active || len(q.inbox) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		sig := q.inbox[0]
		q.inbox = q.inbox[1:]
		pc := q.pc
		q.mu.Unlock()

		start := time.Now()
		q.dispatch(pc, sig)
		metrics.SignalDispatchDurationSeconds.
			WithLabelValues(string(sig.Type)).
			Observe(time.Since(start).Seconds())

		time.Sleep(q.drainPause)
	}
}

// dispatch applies one signal. Malformed messages log and are skipped;
// description failures abort the session.
func (q *Queue) dispatch(pc rtc.PeerConnection, sig *domain.Signal) {
	switch sig.Type {
	case domain.SignalOffer:
		q.handleOffer(pc, sig)
	case domain.SignalAnswer:
		q.handleAnswer(pc, sig)
	case domain.SignalCandidate:
		q.handleCandidate(pc, sig)
	case domain.SignalHangup:
		logger.Info("Remote hangup", zap.String("call_id", sig.CallID))
		q.Stop()
	default:
		logger.Warn("Unknown signal type",
			zap.String("call_id", sig.CallID),
			zap.String("type", string(sig.Type)))
	}
}

func (q *Queue) handleOffer(pc rtc.PeerConnection, sig *domain.Signal) {
	if sig.Description == nil {
		logger.Warn("Offer without description", zap.String("call_id", sig.CallID))
		return
	}

	if err := pc.SetRemoteDescription(*sig.Description); err != nil {
		q.fail(apperrors.NegotiationError("failed to apply remote offer", err))
		return
	}
	q.markRemoteDescriptionSet()
	q.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer()
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		q.fail(apperrors.NegotiationError("failed to create answer", err))
		return
	}
	// An unsent answer strands both sides in answered with no timeout left
	// to fire, so it fails the session.
	if err := q.publish(domain.SignalAnswer, &answer, nil); err != nil {
		q.fail(err)
	}
}

func (q *Queue) handleAnswer(pc rtc.PeerConnection, sig *domain.Signal) {
	if sig.Description == nil {
		logger.Warn("Answer without description", zap.String("call_id", sig.CallID))
		return
	}

	// Only apply while a local offer is outstanding. A duplicate or late
	// answer after the connection moved on must not be re-applied.
	if pc.SignalingState() != rtc.SignalingStateHaveLocalOffer {
		logger.Warn("Discarding answer in unexpected signaling state",
			zap.String("call_id", sig.CallID),
			zap.String("state", pc.SignalingState().String()))
		return
	}

	if err := pc.SetRemoteDescription(*sig.Description); err != nil {
		q.fail(apperrors.NegotiationError("failed to apply remote answer", err))
		return
	}
	q.markRemoteDescriptionSet()
	q.flushPendingCandidates(pc)
}

func (q *Queue) handleCandidate(pc rtc.PeerConnection, sig *domain.Signal) {
	if sig.Candidate == nil {
		logger.Warn("Candidate signal without candidate", zap.String("call_id", sig.CallID))
		return
	}

	q.mu.Lock()
	if !q.remoteDescSet {
		q.pending = append(q.pending, *sig.Candidate)
		q.mu.Unlock()
		metrics.CandidatesDeferredTotal.Inc()
		return
	}
	q.mu.Unlock()

	// One bad candidate must not kill the session; ICE can still converge
	// on the remaining pairs.
	if err := pc.AddICECandidate(*sig.Candidate); err != nil {
		logger.Warn("Failed to apply ICE candidate",
			zap.String("call_id", sig.CallID),
			zap.Error(err))
		metrics.CandidatesDiscardedTotal.Inc()
	}
}

func (q *Queue) markRemoteDescriptionSet() {
	q.mu.Lock()
	q.remoteDescSet = true
	q.mu.Unlock()
}

// flushPendingCandidates applies candidates buffered before the remote
// description arrived, in their original order.
func (q *Queue) flushPendingCandidates(pc rtc.PeerConnection) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	callID := q.callID
	q.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			logger.Warn("Failed to apply buffered ICE candidate",
				zap.String("call_id", callID),
				zap.Error(err))
			metrics.CandidatesDiscardedTotal.Inc()
		}
	}
}

// publish sends one outbound signal. Callers decide how much a lost message
// matters: a dropped candidate is survivable, a dropped offer or answer is
// not.
func (q *Queue) publish(sigType domain.SignalType, desc *domain.SessionDescription, cand *domain.ICECandidate) error {
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return nil
	}
	sig := &domain.Signal{
		ID:          domain.NewSignalID(q.callID),
		CallID:      q.callID,
		Type:        sigType,
		From:        q.localID,
		To:          q.remoteID,
		Description: desc,
		Candidate:   cand,
	}
	ctx := q.ctx
	q.mu.Unlock()

	if err := q.signaler.Publish(ctx, sig); err != nil {
		logger.Error("Failed to publish signal",
			zap.String("call_id", sig.CallID),
			zap.String("type", string(sigType)),
			zap.Error(err))
		metrics.SignalsPublishedTotal.WithLabelValues(string(sigType), "error").Inc()
		return apperrors.TransportError("failed to publish "+string(sigType)+" signal", err)
	}
	metrics.SignalsPublishedTotal.WithLabelValues(string(sigType), "ok").Inc()
	return nil
}

// handleRemoteTrack surfaces the first remote track as the remote stream
// arriving; later tracks belong to the same stream and stay quiet.
func (q *Queue) handleRemoteTrack(track rtc.RemoteTrack) {
	q.mu.Lock()
	if !q.active || q.remoteSeen {
		q.mu.Unlock()
		return
	}
	q.remoteSeen = true
	callID := q.callID
	q.mu.Unlock()

	logger.Info("Remote media arrived",
		zap.String("call_id", callID),
		zap.String("kind", track.Kind))
	q.notifyRemote(&StreamEvent{CallID: callID, StreamID: track.ID})
}

// Stop tears the session down: subscription, local media, peer connection
// and all buffered state. Idempotent and safe to call from any goroutine,
// including mid-dispatch.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return
	}
	q.active = false
	callID := q.callID
	cancel := q.cancel
	unsub := q.unsubscribe
	pc := q.pc
	media := q.media
	q.cancel = nil
	q.unsubscribe = nil
	q.pc = nil
	q.media = nil
	q.inbox = nil
	q.pending = nil
	q.remoteDescSet = false
	q.remoteSeen = false
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if media != nil {
		media.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			logger.Warn("Failed to close peer connection",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}

	q.notifyLocal(nil)
	q.notifyRemote(nil)

	logger.Info("Negotiation session stopped", zap.String("call_id", callID))
}

// fail tears the session down and reports the failure upward
func (q *Queue) fail(err error) {
	q.mu.Lock()
	callID := q.callID
	q.mu.Unlock()

	logger.Error("Negotiation failed",
		zap.String("call_id", callID),
		zap.Error(err))
	metrics.NegotiationFailuresTotal.Inc()

	q.observerMu.RLock()
	cb := q.onFailure
	q.observerMu.RUnlock()

	q.Stop()

	if cb != nil {
		cb(callID, err)
	}
}

func (q *Queue) notifyLocal(evt *StreamEvent) {
	q.observerMu.RLock()
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.observerMu.RUnlock()
	for _, o := range observers {
		o.OnLocalStream(evt)
	}
}

func (q *Queue) notifyRemote(evt *StreamEvent) {
	q.observerMu.RLock()
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.observerMu.RUnlock()
	for _, o := range observers {
		o.OnRemoteStream(evt)
	}
}
