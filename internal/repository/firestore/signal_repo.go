package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

const signalsCollection = "signals"

// SignalRepository is the signaling transport: an append-only per-call log
// under calls/{callId}/signals with server-assigned timestamps. Each
// recipient consumes entries addressed to them in commit order.
type SignalRepository struct {
	client *firestore.Client
}

// NewSignalRepository creates a signaling transport repository
func NewSignalRepository(client *firestore.Client) *SignalRepository {
	return &SignalRepository{client: client}
}

type descriptionDoc struct {
	Type string `firestore:"type"`
	SDP  string `firestore:"sdp"`
}

type candidateDoc struct {
	Candidate        string  `firestore:"candidate"`
	SDPMid           *string `firestore:"sdpMid"`
	SDPMLineIndex    *int64  `firestore:"sdpMLineIndex"`
	UsernameFragment *string `firestore:"usernameFragment"`
}

type signalDoc struct {
	SignalID    string          `firestore:"signalId"`
	CallID      string          `firestore:"callId"`
	Type        string          `firestore:"type"`
	From        string          `firestore:"from"`
	To          string          `firestore:"to"`
	Description *descriptionDoc `firestore:"description"`
	Candidate   *candidateDoc   `firestore:"candidate"`
	Timestamp   time.Time       `firestore:"timestamp,serverTimestamp"`
}

func toSignalDoc(sig *domain.Signal) *signalDoc {
	doc := &signalDoc{
		SignalID: sig.ID,
		CallID:   sig.CallID,
		Type:     string(sig.Type),
		From:     sig.From.String(),
		To:       sig.To.String(),
	}
	if sig.Description != nil {
		doc.Description = &descriptionDoc{
			Type: sig.Description.Type,
			SDP:  sig.Description.SDP,
		}
	}
	if sig.Candidate != nil {
		doc.Candidate = &candidateDoc{
			Candidate:        sig.Candidate.Candidate,
			SDPMid:           sig.Candidate.SDPMid,
			UsernameFragment: sig.Candidate.UsernameFragment,
		}
		if sig.Candidate.SDPMLineIndex != nil {
			idx := int64(*sig.Candidate.SDPMLineIndex)
			doc.Candidate.SDPMLineIndex = &idx
		}
	}
	return doc
}

func (d *signalDoc) toDomain() (*domain.Signal, error) {
	from, err := uuid.Parse(d.From)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTransport, "invalid sender id in signal", err)
	}
	to, err := uuid.Parse(d.To)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTransport, "invalid recipient id in signal", err)
	}

	sig := &domain.Signal{
		ID:        d.SignalID,
		CallID:    d.CallID,
		Type:      domain.SignalType(d.Type),
		From:      from,
		To:        to,
		Timestamp: d.Timestamp,
	}
	if d.Description != nil {
		sig.Description = &domain.SessionDescription{
			Type: d.Description.Type,
			SDP:  d.Description.SDP,
		}
	}
	if d.Candidate != nil {
		sig.Candidate = &domain.ICECandidate{
			Candidate:        d.Candidate.Candidate,
			SDPMid:           d.Candidate.SDPMid,
			UsernameFragment: d.Candidate.UsernameFragment,
		}
		if d.Candidate.SDPMLineIndex != nil {
			idx := uint16(*d.Candidate.SDPMLineIndex)
			sig.Candidate.SDPMLineIndex = &idx
		}
	}
	return sig, nil
}

// Publish appends one signal to the call's log. The document key embeds the
// call ID, wall-clock millis and a random suffix; ordering comes from the
// server timestamp.
func (r *SignalRepository) Publish(ctx context.Context, sig *domain.Signal) error {
	if sig.ID == "" {
		sig.ID = domain.NewSignalID(sig.CallID)
	}

	ref := r.client.Collection(callsCollection).
		Doc(sig.CallID).
		Collection(signalsCollection).
		Doc(sig.ID)

	if _, err := ref.Create(ctx, toSignalDoc(sig)); err != nil {
		return apperrors.TransportError("failed to publish signal", err)
	}

	logger.Debug("Signal published",
		zap.String("call_id", sig.CallID),
		zap.String("signal_id", sig.ID),
		zap.String("type", string(sig.Type)))

	return nil
}

// SubscribeInbound streams signals addressed to userID for one call, in
// commit order, until the returned cancel func is called. Each log entry is
// delivered exactly once per subscription (added-document changes only).
func (r *SignalRepository) SubscribeInbound(ctx context.Context, callID string, userID uuid.UUID, fn func(*domain.Signal)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	query := r.client.Collection(callsCollection).
		Doc(callID).
		Collection(signalsCollection).
		Where("to", "==", userID.String()).
		OrderBy("timestamp", firestore.Asc)
	iter := query.Snapshots(watchCtx)

	go func() {
		defer iter.Stop()
		for {
			qsnap, err := iter.Next()
			if err != nil {
				if watchCtx.Err() == nil {
					logger.Warn("Signal subscription terminated",
						zap.String("call_id", callID),
						zap.Error(err))
				}
				return
			}

			for _, change := range qsnap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var doc signalDoc
				if err := change.Doc.DataTo(&doc); err != nil {
					logger.Warn("Failed to decode signal",
						zap.String("call_id", callID),
						zap.Error(err))
					continue
				}
				sig, err := doc.toDomain()
				if err != nil {
					logger.Warn("Skipping malformed signal",
						zap.String("call_id", callID),
						zap.Error(err))
					continue
				}
				fn(sig)
			}
		}
	}()

	return cancel, nil
}
