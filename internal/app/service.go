package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"valuechain/api/internal/auth"
	"valuechain/api/internal/config"
	"valuechain/api/internal/layout"
	"valuechain/api/internal/logger"
	"valuechain/api/internal/observability"
	"valuechain/api/internal/rbac"
	"valuechain/api/internal/search"
	"valuechain/api/internal/store"
	"valuechain/api/internal/valuechain"
)

// Session is the acting user resolved from a bearer token.
type Session struct {
	UserID   string
	UserName string
	TenantID string
	Role     rbac.Role
}

// Actor is the identity the engine records on commands.
func (s Session) Actor() valuechain.Actor {
	return valuechain.Actor{
		UserID:     s.UserID,
		TenantID:   s.TenantID,
		CanApprove: rbac.Can(s.Role, rbac.ActionApprove),
	}
}

type SegmentInput struct {
	ID           string   `json:"id"`
	FunctionName string   `json:"functionName"`
	ActorIDs     []string `json:"actorIds"`
	UnitIDs      []string `json:"unitIds"`
}

type Service struct {
	cfg     config.Config
	store   *store.SQLStore
	engine  *valuechain.Engine
	search  *search.Service
	layouts *layout.Registry
	log     *logger.Logger
	tracer  trace.Tracer
}

func New(cfg config.Config, dataStore *store.SQLStore, searchService *search.Service, layouts *layout.Registry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if searchService == nil {
		searchService = search.NewService(nil, dataStore, log)
	}
	if layouts == nil {
		layouts = layout.NewRegistry(layout.Config{Logger: log})
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		engine:  valuechain.NewEngine(dataStore),
		search:  searchService,
		layouts: layouts,
		log:     log,
		tracer:  observability.Tracer(),
	}
}

// Bootstrap rebuilds the search index from the store.
func (s *Service) Bootstrap(ctx context.Context) {
	s.search.ReindexAll(ctx)
}

// Shutdown flushes every dirty layout session and stops background search work.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.layouts.FlushAll(ctx)
	s.search.Close()
	return err
}

// SweepLayouts tears down layout sessions idle for longer than the configured TTL.
func (s *Service) SweepLayouts(ctx context.Context) int {
	removed := s.layouts.Sweep(ctx, s.cfg.LayoutIdleTTL)
	if removed > 0 {
		s.log.Info("idle layout sessions closed", "count", removed)
	}
	return removed
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), s.cfg.JWTIssuer, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Subject,
		UserName: firstNonBlank(claims.Name, claims.Subject),
		TenantID: claims.TenantID,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, session Session, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("tenant.id", session.TenantID),
		attribute.String("user.id", session.UserID),
	)
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) ListChains(ctx context.Context, session Session, view valuechain.View) (_ []map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.list", session, attribute.String("chain.view", string(view)))
	defer func() { endSpan(span, err) }()

	if view == valuechain.ViewReview {
		if err := s.require(session, rbac.ActionApprove); err != nil {
			return nil, err
		}
	} else if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	chains, err := s.engine.ListChains(ctx, session.Actor(), view)
	if err != nil {
		return nil, err
	}
	return s.presentChains(ctx, session.TenantID, chains)
}

func (s *Service) GetChain(ctx context.Context, session Session, chainID string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.get", session, attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	chain, err := s.engine.GetChain(ctx, session.Actor(), chainID)
	if err != nil {
		return nil, err
	}
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) CreateChain(ctx context.Context, session Session, title, description string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.create", session)
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	chain, err := s.engine.CreateChain(ctx, session.Actor(), title, description)
	if err != nil {
		return nil, err
	}
	s.search.IndexChain(chain)
	s.log.Info("chain created", "chainId", chain.ID, "tenantId", chain.TenantID, "status", chain.ApprovalStatus)
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) UpdateChain(ctx context.Context, session Session, chainID string, patch valuechain.ChainPatch) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.update", session, attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	chain, err := s.engine.UpdateChain(ctx, session.Actor(), chainID, patch)
	if err != nil {
		return nil, err
	}
	s.search.IndexChain(chain)
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) DeleteChain(ctx context.Context, session Session, chainID string) (err error) {
	ctx, span := s.startSpan(ctx, "chains.delete", session, attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.engine.DeleteChain(ctx, session.Actor(), chainID); err != nil {
		return err
	}
	s.search.DeleteChain(chainID)
	s.log.Info("chain deleted", "chainId", chainID, "tenantId", session.TenantID)
	return nil
}

func (s *Service) SaveSegments(ctx context.Context, session Session, chainID string, inputs []SegmentInput) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.save_segments", session,
		attribute.String("chain.id", chainID), attribute.Int("segments.count", len(inputs)))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	desired := make([]valuechain.SegmentInput, len(inputs))
	for i, input := range inputs {
		desired[i] = valuechain.SegmentInput{
			ID:           input.ID,
			FunctionName: input.FunctionName,
			ActorIDs:     input.ActorIDs,
			UnitIDs:      input.UnitIDs,
		}
	}
	chain, err := s.engine.SaveSegments(ctx, session.Actor(), chainID, desired)
	if err != nil {
		return nil, err
	}
	s.search.IndexChain(chain)
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) ReorderSegments(ctx context.Context, session Session, chainID string, segmentIDs []string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.reorder", session, attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	chain, err := s.engine.Reorder(ctx, session.Actor(), chainID, segmentIDs)
	if err != nil {
		return nil, err
	}
	s.search.IndexChain(chain)
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) MergeChains(ctx context.Context, session Session, chainAID, chainBID, title string) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.merge", session,
		attribute.String("chain.a", chainAID), attribute.String("chain.b", chainBID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	merged, err := s.engine.Merge(ctx, session.Actor(), chainAID, chainBID, title)
	if err != nil {
		return nil, err
	}
	s.search.DeleteChain(chainAID)
	s.search.DeleteChain(chainBID)
	s.search.IndexChain(merged)
	s.log.Info("chains merged", "chainA", chainAID, "chainB", chainBID, "chainId", merged.ID, "segments", len(merged.Segments))
	return s.presentChain(ctx, session.TenantID, merged)
}

func (s *Service) SplitChain(ctx context.Context, session Session, chainID string, index int, firstTitle, secondTitle string) (_ []map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.split", session,
		attribute.String("chain.id", chainID), attribute.Int("split.index", index))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	parts, err := s.engine.Split(ctx, session.Actor(), chainID, index, firstTitle, secondTitle)
	if err != nil {
		return nil, err
	}
	s.search.DeleteChain(chainID)
	for _, part := range parts {
		s.search.IndexChain(part)
	}
	s.log.Info("chain split", "chainId", chainID, "first", parts[0].ID, "second", parts[1].ID, "index", index)
	return s.presentChains(ctx, session.TenantID, parts[:])
}

func (s *Service) Approve(ctx context.Context, session Session, chainID string) (map[string]any, error) {
	return s.decide(ctx, session, chainID, valuechain.StatusApproved)
}

func (s *Service) Reject(ctx context.Context, session Session, chainID string) (map[string]any, error) {
	return s.decide(ctx, session, chainID, valuechain.StatusRejected)
}

func (s *Service) decide(ctx context.Context, session Session, chainID string, target valuechain.ApprovalStatus) (_ map[string]any, err error) {
	ctx, span := s.startSpan(ctx, "chains.decide", session,
		attribute.String("chain.id", chainID), attribute.String("approval.target", string(target)))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionApprove); err != nil {
		return nil, err
	}
	var chain valuechain.Chain
	if target == valuechain.StatusApproved {
		chain, err = s.engine.Approve(ctx, session.Actor(), chainID)
	} else {
		chain, err = s.engine.Reject(ctx, session.Actor(), chainID)
	}
	if err != nil {
		return nil, err
	}
	s.search.IndexChain(chain)
	s.log.Info("approval decision recorded", "chainId", chain.ID, "status", chain.ApprovalStatus, "decidedBy", session.UserID)
	return s.presentChain(ctx, session.TenantID, chain)
}

func (s *Service) GetLayout(ctx context.Context, session Session, chainID string) (_ valuechain.Layout, err error) {
	ctx, span := s.startSpan(ctx, "layout.get", session, attribute.String("chain.id", chainID))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionRead); err != nil {
		return valuechain.Layout{}, err
	}
	return s.engine.GetLayout(ctx, session.Actor(), chainID)
}

// SaveLayout writes a full layout directly, bypassing the session buffer.
func (s *Service) SaveLayout(ctx context.Context, session Session, chainLayout valuechain.Layout) (err error) {
	ctx, span := s.startSpan(ctx, "layout.save", session,
		attribute.String("chain.id", chainLayout.ChainID), attribute.Int("layout.nodes", len(chainLayout.Nodes)))
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	return s.engine.SaveLayout(ctx, session.Actor(), chainLayout)
}

func (s *Service) Search(ctx context.Context, session Session, text string, limit int) (_ search.Response, err error) {
	ctx, span := s.startSpan(ctx, "chains.search", session)
	defer func() { endSpan(span, err) }()

	if err := s.require(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	query := search.Query{
		Text:     strings.TrimSpace(text),
		TenantID: session.TenantID,
		Limit:    limit,
	}
	if !session.Actor().CanApprove {
		query.Statuses = valuechain.ViewDefault.Statuses()
	}
	return s.search.Search(ctx, query), nil
}

func (s *Service) ListPeople(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	people, err := s.store.ListPeople(ctx, session.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	items := make([]map[string]any, 0, len(people))
	for _, person := range people {
		items = append(items, map[string]any{"id": person.ID, "name": person.Name()})
	}
	return items, nil
}

func (s *Service) ListUnits(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	units, err := s.store.ListUnits(ctx, session.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	items := make([]map[string]any, 0, len(units))
	for _, unit := range units {
		items = append(items, map[string]any{"id": unit.ID, "title": unit.Title})
	}
	return items, nil
}

func (s *Service) presentChain(ctx context.Context, tenantID string, chain valuechain.Chain) (map[string]any, error) {
	items, err := s.presentChains(ctx, tenantID, []valuechain.Chain{chain})
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// presentChains resolves actor and unit references in one directory read per kind.
func (s *Service) presentChains(ctx context.Context, tenantID string, chains []valuechain.Chain) ([]map[string]any, error) {
	var actorIDs, unitIDs []string
	seenActors := map[string]bool{}
	seenUnits := map[string]bool{}
	for _, chain := range chains {
		for _, segment := range chain.Segments {
			for _, id := range segment.ActorIDs {
				if !seenActors[id] {
					seenActors[id] = true
					actorIDs = append(actorIDs, id)
				}
			}
			for _, id := range segment.UnitIDs {
				if !seenUnits[id] {
					seenUnits[id] = true
					unitIDs = append(unitIDs, id)
				}
			}
		}
	}
	people, err := s.store.PeopleByID(ctx, tenantID, actorIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve actors: %w", err)
	}
	units, err := s.store.UnitsByID(ctx, tenantID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve units: %w", err)
	}

	items := make([]map[string]any, 0, len(chains))
	for _, chain := range chains {
		items = append(items, chainPayload(chain, people, units))
	}
	return items, nil
}

func chainPayload(chain valuechain.Chain, people map[string]store.Person, units map[string]store.Unit) map[string]any {
	segments := make([]map[string]any, 0, len(chain.Segments))
	for _, segment := range chain.Segments {
		actors := make([]map[string]any, 0, len(segment.ActorIDs))
		for _, id := range segment.ActorIDs {
			item := map[string]any{"id": id}
			if person, ok := people[id]; ok {
				item["name"] = person.Name()
			}
			actors = append(actors, item)
		}
		unitItems := make([]map[string]any, 0, len(segment.UnitIDs))
		for _, id := range segment.UnitIDs {
			item := map[string]any{"id": id}
			if unit, ok := units[id]; ok {
				item["title"] = unit.Title
			}
			unitItems = append(unitItems, item)
		}
		var position any
		if segment.Position != nil {
			position = map[string]any{"x": segment.Position.X, "y": segment.Position.Y}
		}
		segments = append(segments, map[string]any{
			"id":           segment.ID,
			"functionName": segment.FunctionName,
			"order":        segment.Order,
			"position":     position,
			"actors":       actors,
			"units":        unitItems,
		})
	}

	return map[string]any{
		"id":             chain.ID,
		"title":          chain.Title,
		"description":    chain.Description,
		"approvalStatus": chain.ApprovalStatus,
		"createdBy":      chain.CreatedBy,
		"approvedBy":     nilIfEmpty(chain.ApprovedBy),
		"approvedAt":     formatTime(chain.ApprovedAt),
		"createdAt":      chain.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      chain.UpdatedAt.UTC().Format(time.RFC3339),
		"segments":       segments,
	}
}

func formatTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
