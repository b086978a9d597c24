package search

import (
	"sync"

	"valuechain/api/internal/logger"
)

// indexWriter is the write side of the chain index.
type indexWriter interface {
	IndexChain(record ChainRecord) error
	DeleteChain(id string) error
}

type indexJob struct {
	record   ChainRecord
	deleteID string
}

func (j indexJob) chainID() string {
	if j.deleteID != "" {
		return j.deleteID
	}
	return j.record.ID
}

// indexQueue applies index writes one at a time in submission order, so an update
// followed by a delete of the same chain never lands reversed.
type indexQueue struct {
	writer indexWriter
	log    *logger.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan indexJob
	done   chan struct{}
}

func newIndexQueue(writer indexWriter, log *logger.Logger, size int) *indexQueue {
	q := &indexQueue{
		writer: writer,
		log:    log,
		jobs:   make(chan indexJob, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// submit enqueues a job. It blocks while the queue is full and reports false once closed.
func (q *indexQueue) submit(job indexJob) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.jobs <- job
	return true
}

func (q *indexQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		if job.deleteID != "" {
			if err := q.writer.DeleteChain(job.deleteID); err != nil {
				q.log.Warn("delete chain from index failed", "chainId", job.chainID(), "error", err)
			}
			continue
		}
		if err := q.writer.IndexChain(job.record); err != nil {
			q.log.Warn("index chain failed", "chainId", job.chainID(), "error", err)
		}
	}
}

// close stops accepting jobs and waits until the queued ones are applied.
func (q *indexQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
