// Package call implements the call lifecycle coordinator: it owns the local
// view of the current call, drives the shared call record through its state
// machine and starts or stops the negotiation session in response.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// CallStore is the call record store surface the coordinator needs
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, callID string) (*domain.Call, error)
	MarkAnswered(ctx context.Context, callID string) error
	MarkTerminal(ctx context.Context, callID string, terminal domain.CallStatus, duration int) error
	Watch(ctx context.Context, callID string, fn func(call *domain.Call, exists bool)) (func(), error)
	WatchIncoming(ctx context.Context, userID uuid.UUID, fn func(*domain.Call)) (func(), error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error)
}

// Notifier delivers out-of-band call notifications (push)
type Notifier interface {
	SendCallOffer(ctx context.Context, call *domain.Call) error
	SendMissedCall(ctx context.Context, call *domain.Call) error
}

// Session is the negotiation session the coordinator drives
type Session interface {
	Start(ctx context.Context, callID string, localID, remoteID uuid.UUID, initiator, video bool) error
	Stop()
	Active() bool
	OnFailure(fn func(callID string, err error))
	Register(o negotiation.Observer)
}

type role string

const (
	roleCaller   role = "caller"
	roleReceiver role = "receiver"
)

type activeCall struct {
	call         *domain.Call
	role         role
	timer        *time.Timer
	unwatch      func()
	terminalSeen bool
}

// Config tunes the coordinator. Zero durations fall back to the defaults.
type Config struct {
	UserID      uuid.UUID
	RingTimeout time.Duration
	GraceDelay  time.Duration
}

// Service coordinates the call lifecycle for one local user. Exactly one
// call is tracked at a time; a second call in either direction is refused
// or auto-rejected while the first is live.
type Service struct {
	store    CallStore
	notifier Notifier
	session  Session
	cfg      Config

	mu           sync.Mutex
	active       *activeCall
	stopIncoming func()

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// NewService creates a coordinator and wires itself into the session's
// failure and media stream callbacks.
func NewService(store CallStore, notifier Notifier, session Session, cfg Config) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.RingTimeout
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = constants.TerminalGraceDelay
	}

	s := &Service{
		store:    store,
		notifier: notifier,
		session:  session,
		cfg:      cfg,
	}
	session.OnFailure(s.handleNegotiationFailure)
	session.Register(s)
	return s
}

// Start subscribes to inbound ringing calls addressed to the local user
func (s *Service) Start(ctx context.Context) error {
	stop, err := s.store.WatchIncoming(ctx, s.cfg.UserID, s.handleIncoming)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stopIncoming = stop
	s.mu.Unlock()

	logger.Info("Call coordinator started",
		zap.String("user_id", s.cfg.UserID.String()))
	return nil
}

// Close ends any live call and tears down the incoming subscription
func (s *Service) Close() {
	s.mu.Lock()
	stop := s.stopIncoming
	s.stopIncoming = nil
	var callID string
	if s.active != nil {
		callID = s.active.call.ID
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if callID != "" {
		if err := s.End(context.Background(), callID); err != nil {
			logger.Warn("Failed to end call during shutdown",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	s.session.Stop()
}

// Initiate creates a ringing call record addressed to receiverID and starts
// waiting for the answer. It returns as soon as the record is written; media
// and negotiation start only once the receiver answers.
func (s *Service) Initiate(ctx context.Context, receiverID uuid.UUID, callType domain.CallType, callerName string) (*domain.Call, error) {
	call := &domain.Call{
		ID:         domain.NewCallID(s.cfg.UserID),
		CallerID:   s.cfg.UserID,
		CallerName: callerName,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now(),
	}

	// Reserve the single active slot before touching the store
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}
	s.active = &activeCall{call: call, role: roleCaller}
	s.mu.Unlock()

	if err := s.store.Create(ctx, call); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		return nil, err
	}

	s.track(call.ID, true)
	metrics.CallsInitiatedTotal.WithLabelValues(string(callType)).Inc()
	metrics.CallsActive.Inc()

	// Push delivery is best effort: the record subscription is the source
	// of truth, the notification only wakes a backgrounded receiver.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
		defer cancel()
		if err := s.notifier.SendCallOffer(ctx, call); err != nil {
			logger.Warn("Failed to send call offer notification",
				zap.String("call_id", call.ID),
				zap.Error(err))
		}
	}()

	logger.Info("Call initiated",
		zap.String("call_id", call.ID),
		zap.String("receiver_id", receiverID.String()),
		zap.String("call_type", string(callType)))

	return call, nil
}

// Accept answers a ringing inbound call: the record is marked answered and
// the negotiation session starts on the answering side (non-initiator).
func (s *Service) Accept(ctx context.Context, callID string) error {
	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.ReceiverID != s.cfg.UserID {
		return apperrors.CallNotFoundError()
	}
	if call.Status != domain.CallStatusRinging {
		return apperrors.CallNotActiveError("call is no longer ringing")
	}

	// One call at a time, answering included: accepting while busy with a
	// different call would leave an answered record nobody negotiates.
	s.mu.Lock()
	if s.active != nil && s.active.call.ID != callID {
		s.mu.Unlock()
		return apperrors.CallInProgressError()
	}
	s.mu.Unlock()

	if err := s.store.MarkAnswered(ctx, callID); err != nil {
		return err
	}
	metrics.CallsAnsweredTotal.Inc()

	s.mu.Lock()
	if s.active != nil && s.active.call.ID == callID {
		if s.active.timer != nil {
			s.active.timer.Stop()
		}
		s.active.call.Status = domain.CallStatusAnswered
		s.mu.Unlock()
	} else if s.active == nil {
		// Push-woken accept: the incoming watch has not delivered the
		// record yet, so adopt it here. The call is already answered, no
		// ring timer applies.
		now := time.Now()
		call.Status = domain.CallStatusAnswered
		call.AnsweredAt = &now
		s.active = &activeCall{call: call, role: roleReceiver}
		s.mu.Unlock()
		s.track(callID, false)
		metrics.CallsActive.Inc()
	} else {
		// Another call claimed the slot while the answer was in flight
		s.mu.Unlock()
		s.abortAnswered(callID)
		return apperrors.CallInProgressError()
	}

	// The answered write and the session start are separate external
	// effects. If negotiation cannot start, the record must not stay a
	// ghost answered call: drive it to ended.
	if err := s.session.Start(ctx, callID, s.cfg.UserID, call.CallerID, false, call.Type == domain.CallTypeVideo); err != nil {
		s.abortAnswered(callID)
		return err
	}

	logger.Info("Call accepted", zap.String("call_id", callID))
	return nil
}

// Reject declines a ringing inbound call
func (s *Service) Reject(ctx context.Context, callID string) error {
	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		return nil
	}
	if call.Status != domain.CallStatusRinging {
		return apperrors.CallNotActiveError("only a ringing call can be rejected")
	}

	if err := s.store.MarkTerminal(ctx, callID, domain.CallStatusRejected, 0); err != nil {
		return err
	}
	metrics.CallsRejectedTotal.Inc()
	s.finishCall(callID, domain.CallStatusRejected, call)

	logger.Info("Call rejected", zap.String("call_id", callID))
	return nil
}

// End terminates a call from either side. Ending an already-terminal call is
// a no-op beyond local cleanup, so both parties may end concurrently.
func (s *Service) End(ctx context.Context, callID string) error {
	call, err := s.store.Get(ctx, callID)
	if err != nil {
		s.session.Stop()
		return err
	}

	if call.Status.Terminal() {
		s.finishCall(callID, call.Status, call)
		s.session.Stop()
		return nil
	}

	duration := 0
	if call.AnsweredAt != nil {
		duration = int(time.Since(*call.AnsweredAt).Seconds())
	}

	if err := s.store.MarkTerminal(ctx, callID, domain.CallStatusEnded, duration); err != nil {
		return err
	}
	metrics.CallsEndedTotal.Inc()
	if duration > 0 {
		metrics.CallDurationSeconds.Observe(float64(duration))
	}

	s.finishCall(callID, domain.CallStatusEnded, call)

	logger.Info("Call ended",
		zap.String("call_id", callID),
		zap.Int("duration_seconds", duration))
	return nil
}

// Get returns one call record
func (s *Service) Get(ctx context.Context, callID string) (*domain.Call, error) {
	return s.store.Get(ctx, callID)
}

// History returns recent call records involving the local user
func (s *Service) History(ctx context.Context, limit int) ([]*domain.Call, error) {
	return s.store.History(ctx, s.cfg.UserID, limit)
}

// track arms the record subscription for the active call, plus the ring
// timer while the call is still ringing. An adopted already-answered call
// gets no timer.
func (s *Service) track(callID string, armRing bool) {
	var timer *time.Timer
	if armRing {
		timer = time.AfterFunc(s.cfg.RingTimeout, func() {
			s.handleRingTimeout(callID)
		})
	}

	unwatch, err := s.store.Watch(context.Background(), callID, s.handleRecordUpdate)
	if err != nil {
		logger.Warn("Failed to watch call record",
			zap.String("call_id", callID),
			zap.Error(err))
	}

	s.mu.Lock()
	if s.active != nil && s.active.call.ID == callID {
		s.active.timer = timer
		s.active.unwatch = unwatch
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// The call finished before tracking was armed
	if timer != nil {
		timer.Stop()
	}
	if unwatch != nil {
		unwatch()
	}
}

// handleIncoming reacts to a new ringing record addressed to the local user
func (s *Service) handleIncoming(call *domain.Call) {
	s.mu.Lock()
	if s.active != nil {
		busyWith := s.active.call.ID
		s.mu.Unlock()
		if busyWith == call.ID {
			return // duplicate delivery of the tracked call
		}

		// Busy: refuse without ringing so the caller hears the outcome fast
		logger.Info("Auto-rejecting incoming call while busy",
			zap.String("call_id", call.ID),
			zap.String("busy_with", busyWith))
		metrics.CallsBusyRejectedTotal.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
		defer cancel()
		if err := s.store.MarkTerminal(ctx, call.ID, domain.CallStatusRejected, 0); err != nil {
			logger.Warn("Failed to auto-reject call",
				zap.String("call_id", call.ID),
				zap.Error(err))
		}
		return
	}
	s.active = &activeCall{call: call, role: roleReceiver}
	s.mu.Unlock()

	s.track(call.ID, true)
	metrics.CallsActive.Inc()
	s.emit(&Event{
		Type:      EventIncomingCall,
		CallID:    call.ID,
		Call:      call,
		Timestamp: time.Now(),
	})

	logger.Info("Incoming call ringing",
		zap.String("call_id", call.ID),
		zap.String("caller_id", call.CallerID.String()))
}

// handleRingTimeout drives a still-ringing call to missed after the timeout.
// Both parties arm this independently; the merge write is idempotent so the
// slower side's write is harmless.
func (s *Service) handleRingTimeout(callID string) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.call.ID != callID || ac.terminalSeen ||
		ac.call.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return
	}
	r := ac.role
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()

	current, err := s.store.Get(ctx, callID)
	if err != nil {
		// Without the re-read there is no proof the call is still ringing,
		// and an answered call must never become missed. The other side's
		// timer or the record subscription settles the outcome.
		logger.Warn("Skipping ring timeout, call re-read failed",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	if current.Status != domain.CallStatusRinging {
		return // the record moved on; the subscription reconciles local state
	}

	if err := s.store.MarkTerminal(ctx, callID, domain.CallStatusMissed, 0); err != nil {
		logger.Error("Failed to mark call missed",
			zap.String("call_id", callID),
			zap.Error(err))
	} else {
		metrics.CallsMissedTotal.Inc()
	}

	if r == roleCaller {
		// Tell the receiver they missed it even if their app never woke
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
			defer cancel()
			s.mu.Lock()
			var call *domain.Call
			if s.active != nil && s.active.call.ID == callID {
				call = s.active.call
			}
			s.mu.Unlock()
			if call == nil {
				return
			}
			if err := s.notifier.SendMissedCall(ctx, call); err != nil {
				logger.Warn("Failed to send missed call notification",
					zap.String("call_id", callID),
					zap.Error(err))
			}
		}()
	}

	logger.Info("Call timed out while ringing", zap.String("call_id", callID))
	s.finishCall(callID, domain.CallStatusMissed, nil)
}

// handleRecordUpdate reconciles local state against the shared record. Truth
// flows from the subscription, not from our own writes.
func (s *Service) handleRecordUpdate(call *domain.Call, exists bool) {
	if !exists {
		// Records are supposed to be retained; if one vanishes, do not
		// leave a call hanging on it.
		s.mu.Lock()
		ac := s.active
		if ac == nil {
			s.mu.Unlock()
			return
		}
		callID := ac.call.ID
		s.mu.Unlock()
		logger.Warn("Call record disappeared", zap.String("call_id", callID))
		s.finishCall(callID, domain.CallStatusEnded, nil)
		// The record vanished, there is no outcome worth displaying: clear
		// the slot now instead of after the grace delay.
		s.mu.Lock()
		if s.active != nil && s.active.call.ID == callID {
			s.active = nil
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.call.ID != call.ID {
		s.mu.Unlock()
		return
	}
	prev := ac.call.Status
	ac.call = call
	r := ac.role
	timer := ac.timer
	s.mu.Unlock()

	switch {
	case call.Status == domain.CallStatusAnswered && prev == domain.CallStatusRinging:
		if timer != nil {
			timer.Stop()
		}
		s.emit(&Event{
			Type:      EventCallStatus,
			CallID:    call.ID,
			Call:      call,
			Timestamp: time.Now(),
		})
		if r == roleCaller {
			// The receiver answered; the caller drives the offer side
			if err := s.session.Start(context.Background(), call.ID, s.cfg.UserID, call.ReceiverID, true, call.Type == domain.CallTypeVideo); err != nil {
				logger.Error("Failed to start negotiation after answer",
					zap.String("call_id", call.ID),
					zap.Error(err))
				s.abortAnswered(call.ID)
			}
		}

	case call.Status.Terminal():
		s.finishCall(call.ID, call.Status, call)
	}
}

// handleNegotiationFailure runs after the session tore itself down
func (s *Service) handleNegotiationFailure(callID string, err error) {
	logger.Error("Negotiation session failed, ending call",
		zap.String("call_id", callID),
		zap.Error(err))

	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()
	if endErr := s.End(ctx, callID); endErr != nil {
		logger.Warn("Failed to end call after negotiation failure",
			zap.String("call_id", callID),
			zap.Error(endErr))
	}
}

// abortAnswered recovers from a failed session start on an answered record
func (s *Service) abortAnswered(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()
	if err := s.store.MarkTerminal(ctx, callID, domain.CallStatusEnded, 0); err != nil {
		logger.Error("Failed to end call after session start failure",
			zap.String("call_id", callID),
			zap.Error(err))
	}
	s.finishCall(callID, domain.CallStatusEnded, nil)
}

// finishCall handles the single local transition into a terminal outcome:
// stop ringing, stop negotiating, surface the outcome, then clear local
// state after a grace delay so UI layers can show it.
func (s *Service) finishCall(callID string, terminal domain.CallStatus, call *domain.Call) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.call.ID != callID || ac.terminalSeen {
		s.mu.Unlock()
		return
	}
	ac.terminalSeen = true
	timer := ac.timer
	unwatch := ac.unwatch
	if call == nil {
		call = ac.call
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.session.Stop()
	metrics.CallsActive.Dec()

	s.emit(&Event{
		Type:      EventCallStatus,
		CallID:    callID,
		Call:      call,
		Timestamp: time.Now(),
	})

	time.AfterFunc(s.cfg.GraceDelay, func() {
		s.mu.Lock()
		if s.active != nil && s.active.call.ID == callID {
			s.active = nil
		}
		s.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
	})

	logger.Info("Call finished",
		zap.String("call_id", callID),
		zap.String("status", string(terminal)))
}
