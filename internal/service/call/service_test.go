package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

func init() {
	logger.InitDefault()
}

// Mocks
type MockCallStore struct {
	mock.Mock
	mu         sync.Mutex
	watchFn    func(*domain.Call, bool)
	incomingFn func(*domain.Call)
}

func (m *MockCallStore) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallStore) Get(ctx context.Context, callID string) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if call, ok := args.Get(0).(*domain.Call); ok {
		return call, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCallStore) MarkAnswered(ctx context.Context, callID string) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

func (m *MockCallStore) MarkTerminal(ctx context.Context, callID string, terminal domain.CallStatus, duration int) error {
	args := m.Called(ctx, callID, terminal, duration)
	return args.Error(0)
}

func (m *MockCallStore) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit)
	if calls, ok := args.Get(0).([]*domain.Call); ok {
		return calls, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCallStore) Watch(ctx context.Context, callID string, fn func(*domain.Call, bool)) (func(), error) {
	m.mu.Lock()
	m.watchFn = fn
	m.mu.Unlock()
	return func() {}, nil
}

func (m *MockCallStore) WatchIncoming(ctx context.Context, userID uuid.UUID, fn func(*domain.Call)) (func(), error) {
	m.mu.Lock()
	m.incomingFn = fn
	m.mu.Unlock()
	return func() {}, nil
}

func (m *MockCallStore) fireRecord(call *domain.Call, exists bool) {
	m.mu.Lock()
	fn := m.watchFn
	m.mu.Unlock()
	if fn != nil {
		fn(call, exists)
	}
}

func (m *MockCallStore) fireIncoming(call *domain.Call) {
	m.mu.Lock()
	fn := m.incomingFn
	m.mu.Unlock()
	if fn != nil {
		fn(call)
	}
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendCallOffer(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockNotifier) SendMissedCall(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

type sessionStart struct {
	callID    string
	remoteID  uuid.UUID
	initiator bool
	video     bool
}

type MockSession struct {
	mu       sync.Mutex
	starts   []sessionStart
	stops    int
	startErr error
}

func (m *MockSession) Start(ctx context.Context, callID string, localID, remoteID uuid.UUID, initiator, video bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts = append(m.starts, sessionStart{callID, remoteID, initiator, video})
	return nil
}

func (m *MockSession) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
}

func (m *MockSession) Active() bool { return false }

func (m *MockSession) OnFailure(fn func(callID string, err error)) {}

func (m *MockSession) Register(o negotiation.Observer) {}

func (m *MockSession) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

func (m *MockSession) lastStart() sessionStart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts[len(m.starts)-1]
}

func (m *MockSession) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingSink) Publish(event *Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) byType(t EventType) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *MockCallStore, *MockNotifier, *MockSession, uuid.UUID) {
	t.Helper()
	store := new(MockCallStore)
	notifier := new(MockNotifier)
	session := new(MockSession)
	userID := uuid.New()
	svc := NewService(store, notifier, session, Config{
		UserID:      userID,
		RingTimeout: 30 * time.Millisecond,
		GraceDelay:  5 * time.Millisecond,
	})
	t.Cleanup(func() {
		// Disarm a still-pending ring timer so it cannot outlive the test
		svc.mu.Lock()
		if svc.active != nil {
			svc.active.terminalSeen = true
			if svc.active.timer != nil {
				svc.active.timer.Stop()
			}
		}
		svc.mu.Unlock()
	})
	return svc, store, notifier, session, userID
}

func ringingCall(callerID, receiverID uuid.UUID) *domain.Call {
	return &domain.Call{
		ID:         domain.NewCallID(callerID),
		CallerID:   callerID,
		CallerName: "Alice",
		ReceiverID: receiverID,
		Type:       domain.CallTypeVideo,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now(),
	}
}

func TestInitiateCreatesRingingRecord(t *testing.T) {
	svc, store, notifier, _, userID := newTestService(t)

	receiverID := uuid.New()
	offerSent := make(chan struct{})

	store.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(offerSent) }).Return(nil)

	call, err := svc.Initiate(context.Background(), receiverID, domain.CallTypeVideo, "Alice")

	assert.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, userID, call.CallerID)
	assert.Equal(t, receiverID, call.ReceiverID)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, domain.CallTypeVideo, call.Type)

	select {
	case <-offerSent:
	case <-time.After(time.Second):
		t.Fatal("call offer notification was never sent")
	}
	store.AssertExpectations(t)
}

func TestInitiateWhileActiveIsRefused(t *testing.T) {
	svc, store, notifier, _, _ := newTestService(t)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	_, err = svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
}

func TestInitiateCreateFailureReleasesSlot(t *testing.T) {
	svc, store, notifier, _, _ := newTestService(t)

	store.On("Create", mock.Anything, mock.Anything).
		Return(apperrors.TransportError("write failed", nil)).Once()
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.Error(t, err)

	_, err = svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	assert.NoError(t, err)
}

func TestAcceptStartsNonInitiatorSession(t *testing.T) {
	svc, store, _, session, userID := newTestService(t)

	callerID := uuid.New()
	call := ringingCall(callerID, userID)

	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkAnswered", mock.Anything, call.ID).Return(nil)

	err := svc.Accept(context.Background(), call.ID)

	require.NoError(t, err)
	require.Equal(t, 1, session.startCount())
	start := session.lastStart()
	assert.Equal(t, call.ID, start.callID)
	assert.Equal(t, callerID, start.remoteID)
	assert.False(t, start.initiator)
	assert.True(t, start.video)
	store.AssertExpectations(t)
}

func TestAcceptNotRinging(t *testing.T) {
	svc, store, _, session, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	call.Status = domain.CallStatusMissed

	store.On("Get", mock.Anything, call.ID).Return(call, nil)

	err := svc.Accept(context.Background(), call.ID)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotActive))
	assert.Equal(t, 0, session.startCount())
	store.AssertNotCalled(t, "MarkAnswered", mock.Anything, mock.Anything)
}

func TestAcceptForeignCall(t *testing.T) {
	svc, store, _, _, _ := newTestService(t)

	call := ringingCall(uuid.New(), uuid.New())
	store.On("Get", mock.Anything, call.ID).Return(call, nil)

	err := svc.Accept(context.Background(), call.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestAcceptWhileBusyWithAnotherCallIsRefused(t *testing.T) {
	svc, store, notifier, session, userID := newTestService(t)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	second := ringingCall(uuid.New(), userID)
	store.On("Get", mock.Anything, second.ID).Return(second, nil)
	store.On("Get", mock.Anything, mock.Anything).Return(nil, apperrors.CallNotFoundError())

	err = svc.Accept(context.Background(), second.ID)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
	assert.Equal(t, 0, session.startCount())
	store.AssertNotCalled(t, "MarkAnswered", mock.Anything, mock.Anything)
}

func TestPushWokenAcceptDoesNotArmRingTimer(t *testing.T) {
	svc, store, _, session, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkAnswered", mock.Anything, call.ID).Return(nil)

	require.NoError(t, svc.Accept(context.Background(), call.ID))
	require.Equal(t, 1, session.startCount())

	// Well past the ring timeout the answered call must still be live
	time.Sleep(3 * svc.cfg.RingTimeout)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, session.stopCount())
}

func TestAcceptSessionFailureEndsCall(t *testing.T) {
	svc, store, _, session, userID := newTestService(t)
	session.startErr = apperrors.NegotiationError("no media", nil)

	call := ringingCall(uuid.New(), userID)
	ended := make(chan struct{})

	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkAnswered", mock.Anything, call.ID).Return(nil)
	store.On("MarkTerminal", mock.Anything, call.ID, domain.CallStatusEnded, 0).
		Run(func(mock.Arguments) { close(ended) }).Return(nil)

	err := svc.Accept(context.Background(), call.ID)

	require.Error(t, err)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("answered record was never driven to ended")
	}
	assert.Greater(t, session.stopCount(), 0)
}

func TestRejectRingingCall(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkTerminal", mock.Anything, call.ID, domain.CallStatusRejected, 0).Return(nil)

	err := svc.Reject(context.Background(), call.ID)

	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestRejectNotRinging(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	now := time.Now()
	call.Status = domain.CallStatusAnswered
	call.AnsweredAt = &now

	store.On("Get", mock.Anything, call.ID).Return(call, nil)

	err := svc.Reject(context.Background(), call.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotActive))
}

func TestEndIsIdempotentOnTerminalRecord(t *testing.T) {
	svc, store, _, session, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	call.Status = domain.CallStatusEnded

	store.On("Get", mock.Anything, call.ID).Return(call, nil)

	err := svc.End(context.Background(), call.ID)

	assert.NoError(t, err)
	assert.Greater(t, session.stopCount(), 0)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEndComputesDuration(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	call := ringingCall(uuid.New(), userID)
	answeredAt := time.Now().Add(-2 * time.Second)
	call.Status = domain.CallStatusAnswered
	call.AnsweredAt = &answeredAt

	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkTerminal", mock.Anything, call.ID, domain.CallStatusEnded,
		mock.MatchedBy(func(d int) bool { return d >= 1 && d <= 5 })).Return(nil)

	err := svc.End(context.Background(), call.ID)

	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestIncomingCallRingsAndEmitsEvent(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)
	sink := &recordingSink{}
	svc.Subscribe(sink)

	require.NoError(t, svc.Start(context.Background()))

	call := ringingCall(uuid.New(), userID)
	store.fireIncoming(call)

	events := sink.byType(EventIncomingCall)
	require.Len(t, events, 1)
	assert.Equal(t, call.ID, events[0].CallID)
	assert.Equal(t, call, events[0].Call)
}

func TestIncomingCallWhileBusyIsAutoRejected(t *testing.T) {
	svc, store, notifier, _, userID := newTestService(t)
	sink := &recordingSink{}
	svc.Subscribe(sink)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.Start(context.Background()))
	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	second := ringingCall(uuid.New(), userID)
	store.On("MarkTerminal", mock.Anything, second.ID, domain.CallStatusRejected, 0).Return(nil)
	store.fireIncoming(second)

	store.AssertCalled(t, "MarkTerminal", mock.Anything, second.ID, domain.CallStatusRejected, 0)
	assert.Empty(t, sink.byType(EventIncomingCall))
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	require.NoError(t, svc.Start(context.Background()))

	call := ringingCall(uuid.New(), userID)
	missed := make(chan struct{})

	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkTerminal", mock.Anything, call.ID, domain.CallStatusMissed, 0).
		Run(func(mock.Arguments) { close(missed) }).Return(nil)

	store.fireIncoming(call)

	select {
	case <-missed:
	case <-time.After(time.Second):
		t.Fatal("ringing call was never marked missed")
	}
}

func TestRingTimeoutSkipsMissedWhenRereadFails(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	require.NoError(t, svc.Start(context.Background()))

	call := ringingCall(uuid.New(), userID)
	reread := make(chan struct{})
	store.On("Get", mock.Anything, call.ID).
		Run(func(mock.Arguments) { close(reread) }).
		Return(nil, apperrors.TransportError("store unreachable", nil)).Once()
	store.On("Get", mock.Anything, call.ID).
		Return(nil, apperrors.TransportError("store unreachable", nil))

	store.fireIncoming(call)

	select {
	case <-reread:
	case <-time.After(time.Second):
		t.Fatal("ring timeout never re-read the record")
	}
	time.Sleep(20 * time.Millisecond)
	store.AssertNotCalled(t, "MarkTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMissedCountSkippedWhenWriteFails(t *testing.T) {
	svc, store, _, _, userID := newTestService(t)

	require.NoError(t, svc.Start(context.Background()))

	call := ringingCall(uuid.New(), userID)
	attempted := make(chan struct{})
	store.On("Get", mock.Anything, call.ID).Return(call, nil)
	store.On("MarkTerminal", mock.Anything, call.ID, domain.CallStatusMissed, 0).
		Run(func(mock.Arguments) { close(attempted) }).
		Return(apperrors.TransportError("store unreachable", nil))

	before := testutil.ToFloat64(metrics.CallsMissedTotal)
	store.fireIncoming(call)

	select {
	case <-attempted:
	case <-time.After(time.Second):
		t.Fatal("ring timeout never attempted the missed write")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, testutil.ToFloat64(metrics.CallsMissedTotal))
}

func TestRingTimeoutNotifiesReceiverFromCallerSide(t *testing.T) {
	svc, store, notifier, _, _ := newTestService(t)

	missedPush := make(chan struct{})

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("Get", mock.Anything, mock.Anything).
		Return(ringingCall(uuid.New(), uuid.New()), nil)
	store.On("MarkTerminal", mock.Anything, mock.Anything, domain.CallStatusMissed, 0).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendMissedCall", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(missedPush) }).Return(nil)

	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	select {
	case <-missedPush:
	case <-time.After(time.Second):
		t.Fatal("missed call notification was never sent")
	}
}

func TestCallerStartsInitiatorSessionOnAnswer(t *testing.T) {
	svc, store, notifier, session, _ := newTestService(t)

	receiverID := uuid.New()
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	call, err := svc.Initiate(context.Background(), receiverID, domain.CallTypeVideo, "Alice")
	require.NoError(t, err)

	now := time.Now()
	answered := *call
	answered.Status = domain.CallStatusAnswered
	answered.AnsweredAt = &now
	store.fireRecord(&answered, true)

	require.Equal(t, 1, session.startCount())
	start := session.lastStart()
	assert.Equal(t, call.ID, start.callID)
	assert.Equal(t, receiverID, start.remoteID)
	assert.True(t, start.initiator)
	assert.True(t, start.video)
}

func TestRemoteTerminalStopsSession(t *testing.T) {
	svc, store, notifier, session, _ := newTestService(t)
	sink := &recordingSink{}
	svc.Subscribe(sink)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	call, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	rejected := *call
	rejected.Status = domain.CallStatusRejected
	store.fireRecord(&rejected, true)

	assert.Greater(t, session.stopCount(), 0)
	events := sink.byType(EventCallStatus)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.CallStatusRejected, events[len(events)-1].Call.Status)
}

func TestSlotClearsAfterGraceDelay(t *testing.T) {
	svc, store, notifier, _, _ := newTestService(t)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	call, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	ended := *call
	ended.Status = domain.CallStatusEnded
	store.fireRecord(&ended, true)

	assert.Eventually(t, func() bool {
		_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestVanishedRecordTearsDownCall(t *testing.T) {
	svc, store, notifier, session, _ := newTestService(t)

	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	notifier.On("SendCallOffer", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.Initiate(context.Background(), uuid.New(), domain.CallTypeVoice, "Alice")
	require.NoError(t, err)

	store.fireRecord(nil, false)

	assert.Greater(t, session.stopCount(), 0)
}
