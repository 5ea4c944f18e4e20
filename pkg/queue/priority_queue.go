package queue

import (
	"container/heap"
	"sync"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"

	"github.com/sirupsen/logrus"
)

// --- Priority Queue Implementation ---

// PQItem represents a crawl job in the priority queue
type PQItem struct {
	job   *models.CrawlJob
	index int // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface ordered by (depth, seq)
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i].job, pq[j].job
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	// Same depth: discovery order keeps the crawl breadth-first and stable
	return a.Seq < b.Seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*PQItem)
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the minimum element from the heap
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// JobQueue is a mutex-guarded frontier of queued crawl jobs.
// Jobs are handed out in batches so the caller can checkpoint between them.
type JobQueue struct {
	pq      PriorityQueue
	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
	log     *logrus.Entry
}

// NewJobQueue creates an empty queue
func NewJobQueue(logger *logrus.Entry) *JobQueue {
	q := &JobQueue{
		pending: make(map[string]struct{}),
		log:     logger.WithField("component", "job_queue"),
	}
	heap.Init(&q.pq)
	return q
}

// Add pushes a job onto the queue. A URL already waiting in the queue is not
// added twice. Returns false if the job was dropped.
func (q *JobQueue) Add(job *models.CrawlJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warnf("Attempted to add job to closed queue: %s", job.URL)
		return false
	}
	if _, dup := q.pending[job.URL]; dup {
		return false
	}
	q.pending[job.URL] = struct{}{}
	heap.Push(&q.pq, &PQItem{job: job})
	return true
}

// Pop removes the next job without blocking. Returns false when empty.
func (q *JobQueue) Pop() (*models.CrawlJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopBatch removes up to n jobs in priority order.
func (q *JobQueue) PopBatch(n int) []*models.CrawlJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil
	}
	batch := make([]*models.CrawlJob, 0, min(n, len(q.pq)))
	for len(batch) < n {
		job, ok := q.popLocked()
		if !ok {
			break
		}
		batch = append(batch, job)
	}
	return batch
}

func (q *JobQueue) popLocked() (*models.CrawlJob, bool) {
	if len(q.pq) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.pq).(*PQItem)
	delete(q.pending, item.job.URL)
	return item.job, true
}

// Close rejects further Adds. Queued jobs can still be popped.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the current number of queued jobs (thread-safe)
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}
