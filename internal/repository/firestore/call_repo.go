// Package firestore implements the call record store and the signaling
// transport on Cloud Firestore. Call records live in the calls collection;
// each record owns an append-only signals subcollection.
package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

const callsCollection = "calls"

// CallRepository stores call records as Firestore documents. All mutations
// are merge-patches so the two parties never clobber each other's fields.
type CallRepository struct {
	client *firestore.Client
}

// NewCallRepository creates a call record repository
func NewCallRepository(client *firestore.Client) *CallRepository {
	return &CallRepository{client: client}
}

// callDoc is the Firestore shape of a call record. IDs travel as strings.
type callDoc struct {
	CallID     string     `firestore:"callId"`
	CallerID   string     `firestore:"callerId"`
	CallerName string     `firestore:"callerName"`
	ReceiverID string     `firestore:"receiverId"`
	CallType   string     `firestore:"callType"`
	Status     string     `firestore:"status"`
	CreatedAt  time.Time  `firestore:"createdAt,serverTimestamp"`
	AnsweredAt *time.Time `firestore:"answeredAt"`
	EndedAt    *time.Time `firestore:"endedAt"`
	Duration   int        `firestore:"duration"`
}

func toCallDoc(call *domain.Call) *callDoc {
	return &callDoc{
		CallID:     call.ID,
		CallerID:   call.CallerID.String(),
		CallerName: call.CallerName,
		ReceiverID: call.ReceiverID.String(),
		CallType:   string(call.Type),
		Status:     string(call.Status),
		AnsweredAt: call.AnsweredAt,
		EndedAt:    call.EndedAt,
		Duration:   call.Duration,
	}
}

func (d *callDoc) toDomain() (*domain.Call, error) {
	callerID, err := uuid.Parse(d.CallerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTransport, "invalid caller id in call record", err)
	}
	receiverID, err := uuid.Parse(d.ReceiverID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTransport, "invalid receiver id in call record", err)
	}

	return &domain.Call{
		ID:         d.CallID,
		CallerID:   callerID,
		CallerName: d.CallerName,
		ReceiverID: receiverID,
		Type:       domain.CallType(d.CallType),
		Status:     domain.CallStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		AnsweredAt: d.AnsweredAt,
		EndedAt:    d.EndedAt,
		Duration:   d.Duration,
	}, nil
}

// Create writes a fresh record; createdAt is server-assigned
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	ref := r.client.Collection(callsCollection).Doc(call.ID)
	if _, err := ref.Create(ctx, toCallDoc(call)); err != nil {
		return apperrors.TransportError("failed to create call record", err)
	}
	return nil
}

// Get reads one call record by ID
func (r *CallRepository) Get(ctx context.Context, callID string) (*domain.Call, error) {
	snap, err := r.client.Collection(callsCollection).Doc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, apperrors.CallNotFoundError()
	}
	if err != nil {
		return nil, apperrors.TransportError("failed to read call record", err)
	}

	var doc callDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, apperrors.TransportError("failed to decode call record", err)
	}
	return doc.toDomain()
}

// MarkAnswered merge-patches status and answeredAt in a single write
func (r *CallRepository) MarkAnswered(ctx context.Context, callID string) error {
	_, err := r.client.Collection(callsCollection).Doc(callID).Set(ctx, map[string]interface{}{
		"status":     string(domain.CallStatusAnswered),
		"answeredAt": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return apperrors.TransportError("failed to mark call answered", err)
	}
	return nil
}

// MarkTerminal merge-patches one of the terminal statuses. rejected, ended
// and missed share the endedAt slot, so a record carries at most one
// terminal timestamp.
func (r *CallRepository) MarkTerminal(ctx context.Context, callID string, terminal domain.CallStatus, duration int) error {
	fields := map[string]interface{}{
		"status":  string(terminal),
		"endedAt": firestore.ServerTimestamp,
	}
	if duration > 0 {
		fields["duration"] = duration
	}

	_, err := r.client.Collection(callsCollection).Doc(callID).Set(ctx, fields, firestore.MergeAll)
	if err != nil {
		return apperrors.TransportError("failed to mark call terminal", err)
	}
	return nil
}

// Watch streams updates of one call record until the returned cancel func is
// called. The callback receives exists=false if the document disappears.
func (r *CallRepository) Watch(ctx context.Context, callID string, fn func(call *domain.Call, exists bool)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	iter := r.client.Collection(callsCollection).Doc(callID).Snapshots(watchCtx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if watchCtx.Err() == nil {
					logger.Warn("Call record watch terminated",
						zap.String("call_id", callID),
						zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				fn(nil, false)
				continue
			}

			var doc callDoc
			if err := snap.DataTo(&doc); err != nil {
				logger.Warn("Failed to decode call record update",
					zap.String("call_id", callID),
					zap.Error(err))
				continue
			}
			call, err := doc.toDomain()
			if err != nil {
				logger.Warn("Skipping malformed call record update",
					zap.String("call_id", callID),
					zap.Error(err))
				continue
			}
			fn(call, true)
		}
	}()

	return cancel, nil
}

// WatchIncoming streams ringing calls addressed to userID. The filter runs
// server-side so the subscription never scans unrelated records, and only
// added documents fire the callback.
func (r *CallRepository) WatchIncoming(ctx context.Context, userID uuid.UUID, fn func(*domain.Call)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	query := r.client.Collection(callsCollection).
		Where("receiverId", "==", userID.String()).
		Where("status", "==", string(domain.CallStatusRinging))
	iter := query.Snapshots(watchCtx)

	go func() {
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if watchCtx.Err() == nil {
					logger.Warn("Incoming call watch terminated",
						zap.String("user_id", userID.String()),
						zap.Error(err))
				}
				return
			}

			for _, change := range qsnap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var doc callDoc
				if err := change.Doc.DataTo(&doc); err != nil {
					logger.Warn("Failed to decode incoming call", zap.Error(err))
					continue
				}
				call, err := doc.toDomain()
				if err != nil {
					logger.Warn("Skipping malformed incoming call", zap.Error(err))
					continue
				}
				fn(call)
			}
		}
	}()

	return cancel, nil
}

// History returns records involving userID, newest first. Firestore has no
// OR queries, so caller-side and receiver-side records are fetched
// separately and merged.
func (r *CallRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	var calls []*domain.Call
	for _, field := range []string{"callerId", "receiverId"} {
		docs, err := r.client.Collection(callsCollection).
			Where(field, "==", userID.String()).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit).
			Documents(ctx).
			GetAll()
		if err != nil {
			return nil, apperrors.TransportError("failed to query call history", err)
		}

		for _, snap := range docs {
			var doc callDoc
			if err := snap.DataTo(&doc); err != nil {
				logger.Warn("Failed to decode history record", zap.Error(err))
				continue
			}
			call, err := doc.toDomain()
			if err != nil {
				continue
			}
			calls = append(calls, call)
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
	if len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}
