package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"valuechain/api/internal/layout"
	"valuechain/api/internal/rbac"
	"valuechain/api/internal/valuechain"
)

const beaconFlushTimeout = 2 * time.Second

var errNoLayoutSession = domainError(http.StatusNotFound, "NOT_FOUND", "Layout session not found", nil)

// openLayout returns the tracker of the session, bound to a writer that persists as
// the session's user.
func (s *Service) openLayout(session Session, sessionID string) (*layout.Tracker, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &valuechain.ValidationError{Reason: "layout session id is required"}
	}
	actor := session.Actor()
	writer := layout.WriterFunc(func(ctx context.Context, chainLayout valuechain.Layout) error {
		return s.engine.SaveLayout(ctx, actor, chainLayout)
	})
	return s.layouts.Open(session.UserID, sessionID, writer), nil
}

func (s *Service) existingLayout(session Session, sessionID string) (*layout.Tracker, error) {
	tracker, ok := s.layouts.Get(session.UserID, sessionID)
	if !ok {
		return nil, errNoLayoutSession
	}
	return tracker, nil
}

func (s *Service) LayoutSession(ctx context.Context, session Session, sessionID string) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	tracker, err := s.existingLayout(session, sessionID)
	if err != nil {
		return nil, err
	}
	return layoutSessionPayload(sessionID, tracker), nil
}

// SelectLayoutChain switches the session to chainID, flushing the previous chain's buffer first.
func (s *Service) SelectLayoutChain(ctx context.Context, session Session, sessionID, chainID string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "layout.select", session,
		attribute.String("layout.session", sessionID), attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.engine.GetChain(ctx, session.Actor(), chainID); err != nil {
		return nil, err
	}
	tracker, err := s.openLayout(session, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Select(ctx, chainID); err != nil {
		return nil, err
	}
	return layoutSessionPayload(sessionID, tracker), nil
}

func (s *Service) MoveLayoutNode(ctx context.Context, session Session, sessionID, segmentID string, x, y float64) (map[string]any, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	tracker, err := s.existingLayout(session, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tracker.MoveNode(segmentID, x, y); err != nil {
		return nil, err
	}
	return layoutSessionPayload(sessionID, tracker), nil
}

func (s *Service) SetLayoutViewport(ctx context.Context, session Session, sessionID string, viewport valuechain.Viewport) (map[string]any, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	tracker, err := s.existingLayout(session, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tracker.SetViewport(viewport); err != nil {
		return nil, err
	}
	return layoutSessionPayload(sessionID, tracker), nil
}

func (s *Service) FlushLayout(ctx context.Context, session Session, sessionID string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "layout.flush", session, attribute.String("layout.session", sessionID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	tracker, err := s.existingLayout(session, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tracker.Flush(ctx); err != nil {
		return nil, err
	}
	return layoutSessionPayload(sessionID, tracker), nil
}

// CloseLayout flushes and tears the session down. A failed flush keeps it registered.
func (s *Service) CloseLayout(ctx context.Context, session Session, sessionID string) (err error) {
	ctx, span := s.startSpan(ctx, "layout.close", session, attribute.String("layout.session", sessionID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	if _, err := s.existingLayout(session, sessionID); err != nil {
		return err
	}
	return s.layouts.Remove(ctx, session.UserID, sessionID)
}

// BeaconLayout is the page-unload checkpoint: a bounded flush that never fails the request.
func (s *Service) BeaconLayout(session Session, sessionID string) bool {
	tracker, ok := s.layouts.Get(session.UserID, sessionID)
	if !ok || !rbac.Can(session.Role, rbac.ActionWrite) {
		return false
	}
	if !tracker.HasUnsavedChanges() {
		return true
	}
	return tracker.FlushBestEffort(beaconFlushTimeout)
}

func layoutSessionPayload(sessionID string, tracker *layout.Tracker) map[string]any {
	buffer := tracker.Snapshot()
	chainLayout := buffer.Layout()
	var viewport any
	if chainLayout.Viewport != nil {
		viewport = chainLayout.Viewport
	}
	return map[string]any{
		"sessionId":         sessionID,
		"chainId":           nilIfEmpty(buffer.ChainID),
		"state":             tracker.State(),
		"hasUnsavedChanges": tracker.HasUnsavedChanges(),
		"nodes":             chainLayout.Nodes,
		"viewport":          viewport,
	}
}
