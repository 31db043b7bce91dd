package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/rtc"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

type fakeMediaStream struct {
	mu     sync.Mutex
	id     string
	closed int
}

func (f *fakeMediaStream) ID() string { return f.id }

func (f *fakeMediaStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeMediaStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeEngine struct {
	mu        sync.Mutex
	captures  []bool // video flag per CaptureMedia call
	failVideo bool
	failAll   bool
	pc        *fakePC
	media     *fakeMediaStream
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		pc:    newFakePC(),
		media: &fakeMediaStream{id: "local-media"},
	}
}

func (e *fakeEngine) CaptureMedia(video bool) (rtc.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captures = append(e.captures, video)
	if e.failAll {
		return nil, errors.New("no capture devices")
	}
	if video && e.failVideo {
		return nil, errors.New("camera unavailable")
	}
	return e.media, nil
}

func (e *fakeEngine) NewPeerConnection(media rtc.MediaStream) (rtc.PeerConnection, error) {
	return e.pc, nil
}

func (e *fakeEngine) captureCalls() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]bool, len(e.captures))
	copy(out, e.captures)
	return out
}

type fakePC struct {
	mu             sync.Mutex
	ops            []string
	state          rtc.SignalingState
	remoteDescs    []domain.SessionDescription
	candidates     []string
	failCandidates map[string]bool
	onICE          func(domain.ICECandidate)
	onTrack        func(rtc.RemoteTrack)
	closed         int
}

func newFakePC() *fakePC {
	return &fakePC{failCandidates: map[string]bool{}}
}

func (p *fakePC) CreateOffer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "createOffer")
	return domain.SessionDescription{Type: "offer", SDP: "local-offer-sdp"}, nil
}

func (p *fakePC) CreateAnswer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "createAnswer")
	return domain.SessionDescription{Type: "answer", SDP: "local-answer-sdp"}, nil
}

func (p *fakePC) SetLocalDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "setLocal:"+desc.Type)
	if desc.Type == "offer" {
		p.state = rtc.SignalingStateHaveLocalOffer
	} else {
		p.state = rtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "setRemote:"+desc.Type)
	p.remoteDescs = append(p.remoteDescs, desc)
	if desc.Type == "offer" {
		p.state = rtc.SignalingStateHaveRemoteOffer
	} else {
		p.state = rtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) AddICECandidate(cand domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCandidates[cand.Candidate] {
		return errors.New("malformed candidate")
	}
	p.ops = append(p.ops, "addCandidate:"+cand.Candidate)
	p.candidates = append(p.candidates, cand.Candidate)
	return nil
}

func (p *fakePC) SignalingState() rtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePC) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePC) OnTrack(fn func(rtc.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePC) snapshotOps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePC) remoteDescriptions() []domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SessionDescription, len(p.remoteDescs))
	copy(out, p.remoteDescs)
	return out
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) fireTrack(track rtc.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (p *fakePC) fireICE(cand domain.ICECandidate) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

type fakeSignaler struct {
	mu            sync.Mutex
	published     []*domain.Signal
	handler       func(*domain.Signal)
	subscribes    int
	unsubscribes  int
	failSubscribe bool
	failPublish   map[domain.SignalType]bool
}

func (s *fakeSignaler) Publish(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPublish[sig.Type] {
		return errors.New("transport down")
	}
	s.published = append(s.published, sig)
	return nil
}

func (s *fakeSignaler) SubscribeInbound(ctx context.Context, callID string, userID uuid.UUID, fn func(*domain.Signal)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubscribe {
		return nil, errors.New("transport down")
	}
	s.subscribes++
	s.handler = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribes++
	}, nil
}

// deliver simulates the transport handing an inbound signal to the queue
func (s *fakeSignaler) deliver(sig *domain.Signal) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

func (s *fakeSignaler) publishedSignals() []*domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Signal, len(s.published))
	copy(out, s.published)
	return out
}

func (s *fakeSignaler) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

type recordingObserver struct {
	mu     sync.Mutex
	local  []*StreamEvent
	remote []*StreamEvent
}

func (o *recordingObserver) OnLocalStream(evt *StreamEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = append(o.local, evt)
}

func (o *recordingObserver) OnRemoteStream(evt *StreamEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote = append(o.remote, evt)
}

func (o *recordingObserver) localEvents() []*StreamEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*StreamEvent, len(o.local))
	copy(out, o.local)
	return out
}

func (o *recordingObserver) remoteEvents() []*StreamEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*StreamEvent, len(o.remote))
	copy(out, o.remote)
	return out
}

func newTestQueue(engine *fakeEngine, signaler *fakeSignaler) *Queue {
	q := New(engine, signaler)
	q.drainPause = time.Millisecond
	return q
}

func signalOf(t domain.SignalType, desc *domain.SessionDescription, cand *domain.ICECandidate) *domain.Signal {
	return &domain.Signal{
		ID:          domain.NewSignalID("call-1"),
		CallID:      "call-1",
		Type:        t,
		Description: desc,
		Candidate:   cand,
	}
}

func TestStartInitiatorPublishesOffer(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	localID, remoteID := uuid.New(), uuid.New()
	err := q.Start(context.Background(), "call-1", localID, remoteID, true, true)
	require.NoError(t, err)
	defer q.Stop()

	published := signaler.publishedSignals()
	require.Len(t, published, 1)
	assert.Equal(t, domain.SignalOffer, published[0].Type)
	assert.Equal(t, localID, published[0].From)
	assert.Equal(t, remoteID, published[0].To)
	require.NotNil(t, published[0].Description)
	assert.Equal(t, "local-offer-sdp", published[0].Description.SDP)
	assert.Equal(t, rtc.SignalingStateHaveLocalOffer, engine.pc.SignalingState())
}

func TestStartIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	assert.Len(t, engine.captureCalls(), 1)
	assert.Equal(t, 1, signaler.subscribes)
}

func TestStartNonInitiatorPublishesNothing(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	assert.Empty(t, signaler.publishedSignals())
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, true))
	defer q.Stop()

	signaler.deliver(signalOf(domain.SignalOffer, &domain.SessionDescription{Type: "offer", SDP: "remote-offer"}, nil))

	assert.Eventually(t, func() bool {
		for _, sig := range signaler.publishedSignals() {
			if sig.Type == domain.SignalAnswer {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	ops := engine.pc.snapshotOps()
	assert.Equal(t, []string{"setRemote:offer", "createAnswer", "setLocal:answer"}, ops)
}

func TestCandidatesDeferredUntilRemoteDescription(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	// Candidates race ahead of the offer on the transport
	signaler.deliver(signalOf(domain.SignalCandidate, nil, &domain.ICECandidate{Candidate: "cand-1"}))
	signaler.deliver(signalOf(domain.SignalCandidate, nil, &domain.ICECandidate{Candidate: "cand-2"}))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engine.pc.appliedCandidates(), "candidates must wait for the remote description")

	signaler.deliver(signalOf(domain.SignalOffer, &domain.SessionDescription{Type: "offer", SDP: "remote-offer"}, nil))

	assert.Eventually(t, func() bool {
		return len(engine.pc.appliedCandidates()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"cand-1", "cand-2"}, engine.pc.appliedCandidates(), "buffered candidates keep arrival order")

	ops := engine.pc.snapshotOps()
	assert.Equal(t, "setRemote:offer", ops[0], "description is applied before any candidate")
}

func TestCandidateAppliedDirectlyAfterRemoteDescription(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	signaler.deliver(signalOf(domain.SignalOffer, &domain.SessionDescription{Type: "offer", SDP: "remote-offer"}, nil))
	signaler.deliver(signalOf(domain.SignalCandidate, nil, &domain.ICECandidate{Candidate: "cand-late"}))

	assert.Eventually(t, func() bool {
		applied := engine.pc.appliedCandidates()
		return len(applied) == 1 && applied[0] == "cand-late"
	}, time.Second, 5*time.Millisecond)
}

func TestLateAnswerDiscarded(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	// Non-initiator never has a local offer outstanding
	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	signaler.deliver(signalOf(domain.SignalAnswer, &domain.SessionDescription{Type: "answer", SDP: "stale"}, nil))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, engine.pc.remoteDescriptions(), "answer without a local offer must be dropped")
	assert.True(t, q.Active(), "a discarded answer is not a failure")
}

func TestBadCandidateIsNonFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.pc.failCandidates["cand-bad"] = true
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	signaler.deliver(signalOf(domain.SignalOffer, &domain.SessionDescription{Type: "offer", SDP: "remote-offer"}, nil))
	signaler.deliver(signalOf(domain.SignalCandidate, nil, &domain.ICECandidate{Candidate: "cand-bad"}))
	signaler.deliver(signalOf(domain.SignalCandidate, nil, &domain.ICECandidate{Candidate: "cand-good"}))

	assert.Eventually(t, func() bool {
		applied := engine.pc.appliedCandidates()
		return len(applied) == 1 && applied[0] == "cand-good"
	}, time.Second, 5*time.Millisecond)

	assert.True(t, q.Active(), "session survives a malformed candidate")
}

func TestRemoteHangupStopsSession(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))

	signaler.deliver(signalOf(domain.SignalHangup, nil, nil))

	assert.Eventually(t, func() bool { return !q.Active() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, engine.pc.closeCount())
	assert.Equal(t, 1, engine.media.closeCount())
	assert.Equal(t, 1, signaler.unsubscribeCount())
}

func TestStopIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	// Stop before any start is a no-op
	q.Stop()
	assert.Equal(t, 0, engine.pc.closeCount())

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	q.Stop()
	q.Stop()

	assert.Equal(t, 1, engine.pc.closeCount())
	assert.Equal(t, 1, engine.media.closeCount())
	assert.Equal(t, 1, signaler.unsubscribeCount())
}

func TestStopNotifiesObserversWithNil(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)
	obs := &recordingObserver{}
	q.Register(obs)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	q.Stop()

	local := obs.localEvents()
	require.Len(t, local, 2)
	assert.NotNil(t, local[0])
	assert.Equal(t, "local-media", local[0].StreamID)
	assert.Nil(t, local[1], "teardown delivers a nil stream event")

	remote := obs.remoteEvents()
	require.Len(t, remote, 1)
	assert.Nil(t, remote[0])
}

func TestAudioOnlyFallback(t *testing.T) {
	engine := newFakeEngine()
	engine.failVideo = true
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)
	obs := &recordingObserver{}
	q.Register(obs)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, true))
	defer q.Stop()

	assert.Equal(t, []bool{true, false}, engine.captureCalls(), "video failure retries audio only")

	local := obs.localEvents()
	require.Len(t, local, 1)
	assert.True(t, local[0].Degraded)
}

func TestMediaFailureFailsStart(t *testing.T) {
	engine := newFakeEngine()
	engine.failAll = true
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	err := q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), true, true)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMedia))
	assert.False(t, q.Active())
}

func TestSubscribeFailureFailsStart(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{failSubscribe: true}
	q := newTestQueue(engine, signaler)

	err := q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.False(t, q.Active())
	assert.Equal(t, 1, engine.pc.closeCount(), "partial start is torn down")
}

func TestRemoteTrackNotifiesOnce(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)
	obs := &recordingObserver{}
	q.Register(obs)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, true))
	defer q.Stop()

	engine.pc.fireTrack(rtc.RemoteTrack{ID: "remote-1", Kind: "audio"})
	engine.pc.fireTrack(rtc.RemoteTrack{ID: "remote-1", Kind: "video"})

	remote := obs.remoteEvents()
	require.Len(t, remote, 1, "additional tracks reuse the announced stream")
	assert.Equal(t, "remote-1", remote[0].StreamID)
}

func TestOnFailureFiresAfterTeardown(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	var mu sync.Mutex
	var failedCall string
	var activeAtFailure bool
	q.OnFailure(func(callID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedCall = callID
		activeAtFailure = q.Active()
	})

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))

	// An offer without a description is skipped, but a failing remote
	// description is fatal: simulate by delivering an offer while the fake
	// reports failure.
	engine.pc.mu.Lock()
	engine.pc.failCandidates = nil // not used here
	engine.pc.mu.Unlock()

	q.fail(apperrors.NegotiationError("forced failure", errors.New("boom")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedCall == "call-1"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, activeAtFailure, "teardown completes before the failure callback")
}

func TestOfferPublishFailureFailsStart(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{failPublish: map[domain.SignalType]bool{domain.SignalOffer: true}}
	q := newTestQueue(engine, signaler)

	err := q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), true, false)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.False(t, q.Active())
	assert.Equal(t, 1, engine.pc.closeCount(), "partial start is torn down")
	assert.Equal(t, 1, signaler.unsubscribeCount())
}

func TestAnswerPublishFailureFailsSession(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{failPublish: map[domain.SignalType]bool{domain.SignalAnswer: true}}
	q := newTestQueue(engine, signaler)

	var mu sync.Mutex
	var failedCall string
	var failedErr error
	q.OnFailure(func(callID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedCall = callID
		failedErr = err
	})

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))

	signaler.deliver(signalOf(domain.SignalOffer, &domain.SessionDescription{Type: "offer", SDP: "remote-offer"}, nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedCall == "call-1"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, apperrors.HasCode(failedErr, apperrors.ErrCodeTransport))
	assert.False(t, q.Active())
}

func TestCandidatePublishFailureIsNonFatal(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{failPublish: map[domain.SignalType]bool{domain.SignalCandidate: true}}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), true, false))
	defer q.Stop()

	engine.pc.fireICE(domain.ICECandidate{Candidate: "cand-1"})

	assert.True(t, q.Active(), "session survives a lost candidate")
}

func TestQueueReusableAfterStop(t *testing.T) {
	engine := newFakeEngine()
	signaler := &fakeSignaler{}
	q := newTestQueue(engine, signaler)

	require.NoError(t, q.Start(context.Background(), "call-1", uuid.New(), uuid.New(), false, false))
	q.Stop()

	require.NoError(t, q.Start(context.Background(), "call-2", uuid.New(), uuid.New(), false, false))
	defer q.Stop()

	assert.True(t, q.Active())
	assert.Equal(t, 2, signaler.subscribes)
}
