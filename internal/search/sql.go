package search

import (
	"context"
	"fmt"
	"strings"
)

const defaultLimit = 20

// SQL answers searches with substring matching in the store.
type SQL struct {
	finder ChainFinder
}

func NewSQL(finder ChainFinder) *SQL {
	return &SQL{finder: finder}
}

func (s *SQL) Healthy() bool {
	return s.finder != nil
}

func (s *SQL) Search(q Query) ([]Result, int, error) {
	return s.SearchContext(context.Background(), q)
}

func (s *SQL) SearchContext(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	chains, err := s.finder.SearchChains(ctx, q.TenantID, q.Text, q.Statuses, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("sql search: %w", err)
	}
	results := make([]Result, 0, len(chains))
	for _, chain := range chains {
		results = append(results, resultFromChain(chain))
	}
	return results, len(results), nil
}
