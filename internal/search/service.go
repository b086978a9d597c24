package search

import (
	"context"

	"valuechain/api/internal/logger"
	"valuechain/api/internal/valuechain"
)

// Service is the facade that tries Meilisearch first and falls back to the SQL store.
type Service struct {
	meili    *Meili
	fallback *SQL
	finder   ChainFinder
	queue    *indexQueue
	log      *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, finder ChainFinder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{meili: meili, fallback: NewSQL(finder), finder: finder, log: log}
	if meili != nil {
		s.queue = newIndexQueue(meili, log, 256)
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to the SQL store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to sql", "error", err)
	}

	results, total, err := s.fallback.SearchContext(ctx, q)
	if err != nil {
		s.log.Error("sql search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChain queues a chain for indexing in Meilisearch.
func (s *Service) IndexChain(chain valuechain.Chain) {
	if !s.meiliReady() {
		return
	}
	s.queue.submit(indexJob{record: RecordFromChain(chain)})
}

// DeleteChain queues removal of a chain from the search index.
func (s *Service) DeleteChain(id string) {
	if !s.meiliReady() {
		return
	}
	s.queue.submit(indexJob{deleteID: id})
}

// ReindexAll pushes every stored chain to Meilisearch. Called on startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.meiliReady() || s.finder == nil {
		return
	}
	chains, err := s.finder.ListAllChains(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return
	}
	records := make([]ChainRecord, len(chains))
	for i, chain := range chains {
		records[i] = RecordFromChain(chain)
	}
	if err := s.meili.IndexChains(records); err != nil {
		s.log.Error("reindex chains failed", "error", err)
		return
	}
	s.log.Info("search index rebuilt", "chains", len(records))
}

// Close waits for queued index writes and stops the health monitor.
func (s *Service) Close() {
	if s.queue != nil {
		s.queue.close()
	}
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
