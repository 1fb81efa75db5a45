package orchestration

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

var (
	ErrNoJobReady    = errors.New("no job ready for execution")
	ErrQueueSaturate = errors.New("maximum concurrent jobs reached")
)

// Job is one scheduled vendor scan.
type Job struct {
	ID         string
	Target     models.Target
	Priority   int
	Created    time.Time
	DueAt      time.Time
	Retries    int
	MaxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	index  int
}

// Context is cancelled when the job is completed, failed or cancelled.
func (j *Job) Context() context.Context { return j.ctx }

type jobHeap []*Job

// JobQueue orders scans by due time, then by priority (tier 1 first).
type JobQueue struct {
	jobs          *jobHeap
	logger        *logrus.Logger
	mu            sync.RWMutex
	maxConcurrent int
	active        map[string]*Job
	queued        map[string]*Job
	counter       int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	jitterPct     float64
	now           func() time.Time
}

func NewJobQueue(logger *logrus.Logger) *JobQueue {
	if logger == nil {
		logger = logrus.New()
	}
	h := make(jobHeap, 0)
	heap.Init(&h)
	return &JobQueue{
		jobs:          &h,
		logger:        logger,
		maxConcurrent: 4,
		active:        make(map[string]*Job),
		queued:        make(map[string]*Job),
		baseBackoff:   time.Minute,
		maxBackoff:    30 * time.Minute,
		jitterPct:     0.2,
		now:           time.Now,
	}
}

// TierPriority maps tier 1..3 to priority 3..1.
func TierPriority(tier int) int {
	return 4 - tier
}

// Schedule queues a scan of target due at dueAt.
func (q *JobQueue) Schedule(target models.Target, dueAt time.Time, maxRetries int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	id := fmt.Sprintf("job_%s_%d", target.ID, q.counter)
	job := &Job{
		ID:         id,
		Target:     target,
		Priority:   TierPriority(target.Tier),
		Created:    q.now(),
		DueAt:      dueAt,
		MaxRetries: maxRetries,
		index:      -1,
	}
	heap.Push(q.jobs, job)
	q.queued[id] = job
	q.logger.Debugf("job scheduled: %s (tier %d, due %s)", id, target.Tier, dueAt.Format(time.RFC3339))
	return id
}

// Next pops the most urgent due job and marks it active.
func (q *JobQueue) Next(now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) >= q.maxConcurrent {
		return nil, fmt.Errorf("%w (%d)", ErrQueueSaturate, q.maxConcurrent)
	}
	if q.jobs.Len() == 0 || (*q.jobs)[0].DueAt.After(now) {
		return nil, ErrNoJobReady
	}

	job := heap.Pop(q.jobs).(*Job)
	delete(q.queued, job.ID)
	job.ctx, job.cancel = context.WithCancel(context.Background())
	q.active[job.ID] = job
	return job, nil
}

func (q *JobQueue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.cancel()
	delete(q.active, id)
	return nil
}

// Fail requeues the job with jittered backoff, or drops it once retries are exhausted.
// It reports whether the job was requeued.
func (q *JobQueue) Fail(id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[id]
	if !ok {
		return false, fmt.Errorf("job not found: %s", id)
	}
	job.cancel()
	delete(q.active, id)
	job.Retries++

	if job.Retries > job.MaxRetries {
		q.logger.Warnf("job failed permanently: %s (%v)", id, cause)
		return false, nil
	}
	backoff := q.jitteredBackoff(job.Retries)
	job.DueAt = q.now().Add(backoff)
	heap.Push(q.jobs, job)
	q.queued[id] = job
	q.logger.Warnf("job failed, retrying: %s (retry %d/%d in %v): %v", id, job.Retries, job.MaxRetries, backoff, cause)
	return true, nil
}

func (q *JobQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.active[id]; ok {
		job.cancel()
		delete(q.active, id)
		return nil
	}
	if job, ok := q.queued[id]; ok {
		if job.index >= 0 && job.index < q.jobs.Len() {
			heap.Remove(q.jobs, job.index)
		}
		delete(q.queued, id)
		return nil
	}
	return fmt.Errorf("job not found: %s", id)
}

func (q *JobQueue) SetMaxConcurrent(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	q.maxConcurrent = n
}

// NextDue is the due time of the head of the queue.
func (q *JobQueue) NextDue() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.jobs.Len() == 0 {
		return time.Time{}, false
	}
	return (*q.jobs)[0].DueAt, true
}

func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.jobs.Len()
}

func (q *JobQueue) GetStats() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return map[string]interface{}{
		"queued_jobs":     q.jobs.Len(),
		"active_jobs":     len(q.active),
		"max_concurrent":  q.maxConcurrent,
		"total_scheduled": q.counter,
		"base_backoff":    q.baseBackoff.String(),
		"max_backoff":     q.maxBackoff.String(),
	}
}

func (q *JobQueue) jitteredBackoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	backoff := q.baseBackoff * (1 << (retries - 1))
	if backoff > q.maxBackoff || backoff <= 0 {
		backoff = q.maxBackoff
	}
	if q.jitterPct > 0 {
		delta := time.Duration(float64(backoff) * q.jitterPct)
		backoff += time.Duration(rand.Int63n(int64(2*delta+1))) - delta
		if backoff < 0 {
			backoff = 0
		}
	}
	return backoff
}

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].Priority > h[j].Priority
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	job.index = -1
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
