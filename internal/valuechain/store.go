package valuechain

import "context"

// Store is the persistent store contract. Implementations return ErrNotFound
// (possibly wrapped) for missing chains.
type Store interface {
	// WithTx runs fn in one transaction; a non-nil error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	GetChain(ctx context.Context, tenantID, chainID string) (Chain, error)
	ListChains(ctx context.Context, tenantID string, statuses []ApprovalStatus) ([]Chain, error)
	GetLayout(ctx context.Context, tenantID, chainID string) (Layout, error)
}

type Tx interface {
	// GetChain loads the chain with its ordered segments; lock holds the rows until commit.
	GetChain(ctx context.Context, tenantID, chainID string, lock bool) (Chain, error)
	InsertChain(ctx context.Context, chain Chain) error
	UpdateChain(ctx context.Context, chain Chain) error
	DeleteChain(ctx context.Context, tenantID, chainID string) (bool, error)

	InsertSegment(ctx context.Context, segment Segment) error
	UpdateSegment(ctx context.Context, segment Segment) error
	MoveSegment(ctx context.Context, segmentID, chainID string, order int) error
	DeleteSegment(ctx context.Context, segmentID string) error
	ReplaceAssignments(ctx context.Context, segmentID string, actorIDs, unitIDs []string) error

	SaveLayout(ctx context.Context, layout Layout) error
}
