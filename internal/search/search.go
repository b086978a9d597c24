// Package search indexes chains for full-text lookup. Meilisearch serves queries when
// it is reachable; otherwise the SQL store answers them.
package search

import (
	"context"
	"strings"

	"valuechain/api/internal/valuechain"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Snippet        string   `json:"snippet"`
	ApprovalStatus string   `json:"approvalStatus"`
	Functions      []string `json:"functions"`
}

// Query describes a search request. Statuses empty means every approval state.
type Query struct {
	Text     string
	TenantID string
	Statuses []valuechain.ApprovalStatus
	Limit    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ChainFinder is the store surface the SQL fallback and reindexing need.
type ChainFinder interface {
	SearchChains(ctx context.Context, tenantID, query string, statuses []valuechain.ApprovalStatus, limit int) ([]valuechain.Chain, error)
	ListAllChains(ctx context.Context) ([]valuechain.Chain, error)
}

// ChainRecord is the data we index for a chain.
type ChainRecord struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenantId"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Functions      []string `json:"functions"`
	ApprovalStatus string   `json:"approvalStatus"`
}

func RecordFromChain(chain valuechain.Chain) ChainRecord {
	return ChainRecord{
		ID:             chain.ID,
		TenantID:       chain.TenantID,
		Title:          chain.Title,
		Description:    chain.Description,
		Functions:      chain.FunctionNames(),
		ApprovalStatus: string(chain.ApprovalStatus),
	}
}

func resultFromChain(chain valuechain.Chain) Result {
	functions := chain.FunctionNames()
	return Result{
		ID:             chain.ID,
		Title:          chain.Title,
		Snippet:        firstNonBlank(chain.Description, strings.Join(functions, " → ")),
		ApprovalStatus: string(chain.ApprovalStatus),
		Functions:      functions,
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
