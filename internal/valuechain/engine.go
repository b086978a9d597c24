package valuechain

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"valuechain/api/internal/util"
)

// Engine executes value-chain commands. Every command is one store transaction:
// callers observe either the previous state or the complete new state.
type Engine struct {
	store Store
	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
		newID: util.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

func validateActor(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.TenantID) == "" {
		return invalid("acting user and tenant are required")
	}
	return nil
}

func (e *Engine) newChain(actor Actor, title, description string) Chain {
	now := e.timestamp()
	chain := Chain{
		ID:             e.newID("ch"),
		TenantID:       actor.TenantID,
		Title:          title,
		Description:    description,
		ApprovalStatus: InitialStatus(actor.CanApprove),
		CreatedBy:      actor.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Segments:       []Segment{},
	}
	if chain.ApprovalStatus == StatusApproved {
		chain.ApprovedBy = actor.UserID
		chain.ApprovedAt = &now
	}
	return chain
}

func lockChain(ctx context.Context, tx Tx, tenantID, chainID string) (Chain, error) {
	chain, err := tx.GetChain(ctx, tenantID, chainID, true)
	if errors.Is(err, ErrNotFound) {
		return Chain{}, &NotFoundError{Kind: "chain", ID: chainID}
	}
	return chain, err
}

func (e *Engine) CreateChain(ctx context.Context, actor Actor, title, description string) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	title, err := normalizeTitle("title", title)
	if err != nil {
		return Chain{}, err
	}
	chain := e.newChain(actor, title, strings.TrimSpace(description))
	err = e.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertChain(ctx, chain)
	})
	if err != nil {
		return Chain{}, classify("create chain", err)
	}
	return chain, nil
}

func (e *Engine) UpdateChain(ctx context.Context, actor Actor, chainID string, patch ChainPatch) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	var title, description *string
	if patch.Title != nil {
		normalized, err := normalizeTitle("title", *patch.Title)
		if err != nil {
			return Chain{}, err
		}
		title = &normalized
	}
	if patch.Description != nil {
		trimmed := strings.TrimSpace(*patch.Description)
		description = &trimmed
	}

	var result Chain
	err := e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		changed := false
		if title != nil && *title != chain.Title {
			chain.Title = *title
			changed = true
		}
		if description != nil && *description != chain.Description {
			chain.Description = *description
			changed = true
		}
		if changed {
			chain.UpdatedAt = e.timestamp()
			if err := tx.UpdateChain(ctx, chain); err != nil {
				return err
			}
		}
		result = chain
		return nil
	})
	if err != nil {
		return Chain{}, classify("update chain", err)
	}
	return result, nil
}

func (e *Engine) DeleteChain(ctx context.Context, actor Actor, chainID string) error {
	if err := validateActor(actor); err != nil {
		return err
	}
	err := e.store.WithTx(ctx, func(tx Tx) error {
		deleted, err := tx.DeleteChain(ctx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		if !deleted {
			return &NotFoundError{Kind: "chain", ID: chainID}
		}
		return nil
	})
	return classify("delete chain", err)
}

func (e *Engine) GetChain(ctx context.Context, actor Actor, chainID string) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	chain, err := e.store.GetChain(ctx, actor.TenantID, chainID)
	if errors.Is(err, ErrNotFound) {
		return Chain{}, &NotFoundError{Kind: "chain", ID: chainID}
	}
	if err != nil {
		return Chain{}, classify("get chain", err)
	}
	return chain, nil
}

func (e *Engine) ListChains(ctx context.Context, actor Actor, view View) ([]Chain, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	chains, err := e.store.ListChains(ctx, actor.TenantID, view.Statuses())
	if err != nil {
		return nil, classify("list chains", err)
	}
	return chains, nil
}

// SaveSegments reconciles the stored segments of a chain with desired. An identical
// repeated call issues no writes.
func (e *Engine) SaveSegments(ctx context.Context, actor Actor, chainID string, desired []SegmentInput) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	var result Chain
	err := e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		plan, err := PlanSegments(chain.Segments, desired)
		if err != nil {
			return err
		}
		if plan.Empty() {
			result = chain
			return nil
		}

		for _, segmentID := range plan.Deletes {
			if err := tx.DeleteSegment(ctx, segmentID); err != nil {
				return err
			}
		}
		for _, update := range plan.Updates {
			segment := Segment{ID: update.SegmentID, ChainID: chain.ID, FunctionName: update.FunctionName, Order: update.Order}
			if err := tx.UpdateSegment(ctx, segment); err != nil {
				return err
			}
		}
		for _, insert := range plan.Inserts {
			segment := Segment{
				ID:           e.newID("seg"),
				ChainID:      chain.ID,
				FunctionName: insert.FunctionName,
				Order:        insert.Order,
			}
			if err := tx.InsertSegment(ctx, segment); err != nil {
				return err
			}
			if len(insert.ActorIDs) == 0 && len(insert.UnitIDs) == 0 {
				continue
			}
			if err := tx.ReplaceAssignments(ctx, segment.ID, insert.ActorIDs, insert.UnitIDs); err != nil {
				return err
			}
		}
		for _, assignment := range plan.Assignments {
			if err := tx.ReplaceAssignments(ctx, assignment.SegmentID, assignment.ActorIDs, assignment.UnitIDs); err != nil {
				return err
			}
		}

		chain.UpdatedAt = e.timestamp()
		if err := tx.UpdateChain(ctx, chain); err != nil {
			return err
		}
		result, err = tx.GetChain(ctx, actor.TenantID, chainID, false)
		return err
	})
	if err != nil {
		return Chain{}, classify("save segments", err)
	}
	return result, nil
}

// Reorder applies a new order to the existing segments of a chain. Only order changes.
func (e *Engine) Reorder(ctx context.Context, actor Actor, chainID string, orderedSegmentIDs []string) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	var result Chain
	err := e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		changes, err := PlanReorder(chain.Segments, orderedSegmentIDs)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			result = chain
			return nil
		}
		for _, change := range changes {
			if err := tx.MoveSegment(ctx, change.SegmentID, chain.ID, change.Order); err != nil {
				return err
			}
		}
		chain.UpdatedAt = e.timestamp()
		if err := tx.UpdateChain(ctx, chain); err != nil {
			return err
		}
		result, err = tx.GetChain(ctx, actor.TenantID, chainID, false)
		return err
	})
	if err != nil {
		return Chain{}, classify("reorder segments", err)
	}
	return result, nil
}

// Merge builds a new chain from the segments of a followed by those of b and
// deletes both sources.
func (e *Engine) Merge(ctx context.Context, actor Actor, chainAID, chainBID, newTitle string) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	chainAID = strings.TrimSpace(chainAID)
	chainBID = strings.TrimSpace(chainBID)
	if chainAID == "" || chainBID == "" {
		return Chain{}, invalid("two chains are required to merge")
	}
	if chainAID == chainBID {
		return Chain{}, invalid("a chain cannot be merged with itself")
	}
	title, err := normalizeTitle("title", newTitle)
	if err != nil {
		return Chain{}, err
	}

	var result Chain
	err = e.store.WithTx(ctx, func(tx Tx) error {
		// Lock in id order so opposing merges cannot deadlock.
		lockOrder := []string{chainAID, chainBID}
		sort.Strings(lockOrder)
		locked := make(map[string]Chain, 2)
		for _, id := range lockOrder {
			chain, err := lockChain(ctx, tx, actor.TenantID, id)
			if err != nil {
				return err
			}
			locked[id] = chain
		}
		a, b := locked[chainAID], locked[chainBID]

		merged := e.newChain(actor, title, "")
		if err := tx.InsertChain(ctx, merged); err != nil {
			return err
		}
		for _, placement := range PlanMerge(a.Segments, b.Segments) {
			if err := tx.MoveSegment(ctx, placement.SegmentID, merged.ID, placement.Order); err != nil {
				return err
			}
		}
		for _, source := range []Chain{a, b} {
			if _, err := tx.DeleteChain(ctx, actor.TenantID, source.ID); err != nil {
				return err
			}
		}
		loaded, err := tx.GetChain(ctx, actor.TenantID, merged.ID, false)
		if err != nil {
			return err
		}
		result = loaded
		return nil
	})
	if err != nil {
		return Chain{}, classify("merge chains", err)
	}
	return result, nil
}

// Split partitions a chain at index into two new chains and deletes the original.
func (e *Engine) Split(ctx context.Context, actor Actor, chainID string, index int, firstTitle, secondTitle string) ([2]Chain, error) {
	var result [2]Chain
	if err := validateActor(actor); err != nil {
		return result, err
	}
	first, err := normalizeTitle("first title", firstTitle)
	if err != nil {
		return result, err
	}
	second, err := normalizeTitle("second title", secondTitle)
	if err != nil {
		return result, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		head, tail, err := PlanSplit(chain.Segments, index)
		if err != nil {
			return err
		}
		parts := [2]Chain{e.newChain(actor, first, ""), e.newChain(actor, second, "")}
		placements := [2][]Placement{head, tail}
		for i := range parts {
			if err := tx.InsertChain(ctx, parts[i]); err != nil {
				return err
			}
			for _, placement := range placements[i] {
				if err := tx.MoveSegment(ctx, placement.SegmentID, parts[i].ID, placement.Order); err != nil {
					return err
				}
			}
		}
		if _, err := tx.DeleteChain(ctx, actor.TenantID, chain.ID); err != nil {
			return err
		}
		for i := range parts {
			loaded, err := tx.GetChain(ctx, actor.TenantID, parts[i].ID, false)
			if err != nil {
				return err
			}
			result[i] = loaded
		}
		return nil
	})
	if err != nil {
		return [2]Chain{}, classify("split chain", err)
	}
	return result, nil
}

// SaveLayout persists node positions and the viewport of a chain. Nodes for segments
// that no longer belong to the chain are skipped.
func (e *Engine) SaveLayout(ctx context.Context, actor Actor, layout Layout) error {
	if err := validateActor(actor); err != nil {
		return err
	}
	if strings.TrimSpace(layout.ChainID) == "" {
		return invalid("chain id is required")
	}
	for _, node := range layout.Nodes {
		if !finite(node.X) || !finite(node.Y) {
			return invalid("segment %s has a non-finite position", node.SegmentID)
		}
	}
	if vp := layout.Viewport; vp != nil {
		if !finite(vp.Zoom) || vp.Zoom <= 0 || !finite(vp.PanX) || !finite(vp.PanY) {
			return invalid("viewport zoom must be positive and pan must be finite")
		}
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, layout.ChainID)
		if err != nil {
			return err
		}
		members := make(map[string]struct{}, len(chain.Segments))
		for _, segment := range chain.Segments {
			members[segment.ID] = struct{}{}
		}
		applied := Layout{ChainID: chain.ID, Viewport: layout.Viewport}
		for _, node := range layout.Nodes {
			if _, ok := members[node.SegmentID]; ok {
				applied.Nodes = append(applied.Nodes, node)
			}
		}
		return tx.SaveLayout(ctx, applied)
	})
	return classify("save layout", err)
}

func (e *Engine) GetLayout(ctx context.Context, actor Actor, chainID string) (Layout, error) {
	if err := validateActor(actor); err != nil {
		return Layout{}, err
	}
	layout, err := e.store.GetLayout(ctx, actor.TenantID, chainID)
	if errors.Is(err, ErrNotFound) {
		return Layout{}, &NotFoundError{Kind: "chain", ID: chainID}
	}
	if err != nil {
		return Layout{}, classify("get layout", err)
	}
	return layout, nil
}

func (e *Engine) Approve(ctx context.Context, actor Actor, chainID string) (Chain, error) {
	return e.decide(ctx, actor, chainID, StatusApproved, "approve chain")
}

func (e *Engine) Reject(ctx context.Context, actor Actor, chainID string) (Chain, error) {
	return e.decide(ctx, actor, chainID, StatusRejected, "reject chain")
}

func (e *Engine) decide(ctx context.Context, actor Actor, chainID string, target ApprovalStatus, op string) (Chain, error) {
	if err := validateActor(actor); err != nil {
		return Chain{}, err
	}
	var result Chain
	err := e.store.WithTx(ctx, func(tx Tx) error {
		chain, err := lockChain(ctx, tx, actor.TenantID, chainID)
		if err != nil {
			return err
		}
		changed, err := Transition(chain.ApprovalStatus, target)
		if err != nil {
			return err
		}
		if changed {
			now := e.timestamp()
			chain.ApprovalStatus = target
			chain.ApprovedBy = actor.UserID
			chain.ApprovedAt = &now
			chain.UpdatedAt = now
			if err := tx.UpdateChain(ctx, chain); err != nil {
				return err
			}
		}
		result = chain
		return nil
	})
	if err != nil {
		return Chain{}, classify(op, err)
	}
	return result, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
