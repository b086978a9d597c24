package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"valuechain/api/internal/logger"
)

const idxChains = "valuechain_chains"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
	closed  atomic.Bool
}

// NewMeili creates a Meilisearch client and configures the chain index. An unreachable
// server yields an unhealthy client that the health loop keeps probing.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.Nop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxChains,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create search index (may already exist)", "index", idxChains, "error", err)
	}

	index := m.client.Index(idxChains)
	filterable := []interface{}{"tenantId", "approvalStatus"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxChains, "error", err)
	}
	searchable := []string{"title", "functions", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxChains, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxChains,
			Query:                 q.Text,
			Limit:                 limit,
			AttributesToHighlight: []string{"title", "description"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                filterFor(q),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// filterFor scopes a query to its tenant and the approval states the caller may see.
func filterFor(q Query) []string {
	filters := []string{fmt.Sprintf("tenantId = %q", q.TenantID)}
	if len(q.Statuses) > 0 {
		quoted := make([]string, len(q.Statuses))
		for i, status := range q.Statuses {
			quoted[i] = fmt.Sprintf("%q", string(status))
		}
		filters = append(filters, "approvalStatus IN ["+strings.Join(quoted, ", ")+"]")
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	functions := decodeStrings(hit, "functions")
	return Result{
		ID:             decodeString(hit, "id"),
		Title:          firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:        firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"), strings.Join(functions, " → ")),
		ApprovalStatus: decodeString(hit, "approvalStatus"),
		Functions:      functions,
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	values := []string{}
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &values)
	}
	return values
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// IndexChain adds or replaces a chain in the search index.
func (m *Meili) IndexChain(record ChainRecord) error {
	_, err := m.client.Index(idxChains).AddDocuments([]ChainRecord{record}, nil)
	return err
}

// IndexChains bulk-indexes chains.
func (m *Meili) IndexChains(records []ChainRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChains).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteChain(id string) error {
	_, err := m.client.Index(idxChains).DeleteDocument(id, nil)
	return err
}
