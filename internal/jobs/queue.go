// Package jobs runs background prefetches that warm the transcript cache.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/transcript-overlay/internal/metrics"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

// Executor runs one job and returns the source of the result it produced.
type Executor func(ctx context.Context, job *PrefetchJob) (string, error)

const DefaultMaxJobs = 1000

type Queue struct {
	workerCount int
	maxJobs     int
	store       Store
	logger      *log.Logger

	mu         sync.RWMutex
	jobs       map[string]*PrefetchJob
	dedupe     map[string]string
	idCounter  uint64
	started    bool
	pendingIDs chan string
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type Option func(*Queue)

// WithMaxJobs bounds how many jobs are kept; the oldest finished jobs are
// pruned first.
func WithMaxJobs(n int) Option {
	return func(q *Queue) { q.maxJobs = n }
}

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func NewQueue(workerCount int, store Store, opts ...Option) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     DefaultMaxJobs,
		store:       store,
		logger:      log.WithComponent("jobs"),
		jobs:        make(map[string]*PrefetchJob),
		dedupe:      make(map[string]string),
		pendingIDs:  make(chan string, 1024),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue adds a prefetch for req.VideoID unless one is already pending or
// running, in which case the existing job is returned with false.
func (q *Queue) Enqueue(req EnqueueRequest) (*PrefetchJob, bool) {
	now := time.Now()

	q.mu.Lock()
	if id, ok := q.dedupe[req.VideoID]; ok {
		if existing, exists := q.jobs[id]; exists {
			snapshot := cloneJob(existing)
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.dedupe, req.VideoID)
	}

	id := fmt.Sprintf("job-%d", atomic.AddUint64(&q.idCounter, 1))
	job := &PrefetchJob{
		ID:        id,
		Source:    req.Source,
		VideoID:   req.VideoID,
		Language:  req.Language,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.jobs[id] = job
	q.dedupe[job.dedupeKey()] = id
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*PrefetchJob, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns all known jobs, newest first.
func (q *Queue) List() []*PrefetchJob {
	q.mu.RLock()
	ret := make([]*PrefetchJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return jobSeq(ret[i].ID) > jobSeq(ret[j].ID)
		}
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[Status]int)
	for _, job := range q.jobs {
		out[job.Status]++
	}
	return out
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*PrefetchJob, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return jobSeq(pending[i].ID) < jobSeq(pending[j].ID)
	})
	q.mu.Unlock()

	for _, job := range pending {
		q.enqueuePendingID(job.ID)
	}

	for range q.workerCount {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

// Stop cancels running executors and waits for the workers to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.pendingIDs:
			job, ok := q.markRunning(id)
			if !ok {
				continue
			}

			source, err := q.run(exec, job)
			if err != nil {
				q.markFailed(id, err)
				continue
			}
			q.markSuccess(id, source)
		}
	}
}

func (q *Queue) run(exec Executor, job *PrefetchJob) (source string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("prefetch panicked: %v", rec)
		}
	}()
	return exec(q.ctx, job)
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *Queue) markRunning(id string) (*PrefetchJob, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	job.Status = StatusRunning
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

func (q *Queue) markSuccess(id, source string) {
	q.finish(id, func(job *PrefetchJob) {
		job.Status = StatusSuccess
		job.ResultSource = source
		job.Error = ""
	})
}

func (q *Queue) markFailed(id string, err error) {
	q.finish(id, func(job *PrefetchJob) {
		job.Status = StatusFailed
		if err != nil {
			job.Error = err.Error()
		}
	})
}

func (q *Queue) finish(id string, apply func(*PrefetchJob)) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	apply(job)
	job.UpdatedAt = time.Now()
	q.releaseDedupeLocked(job)
	pruned := q.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	metrics.IncPrefetchJob(string(snapshot.Status))
	if snapshot.Status == StatusFailed {
		q.logger.Warn("Prefetch %s for %s failed: %s", snapshot.ID, snapshot.VideoID, snapshot.Error)
	}
	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
}

func (q *Queue) releaseDedupeLocked(job *PrefetchJob) {
	if job == nil {
		return
	}
	if id, ok := q.dedupe[job.dedupeKey()]; ok && id == job.ID {
		delete(q.dedupe, job.dedupeKey())
	}
}

func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	terminal := make([]*PrefetchJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job != nil && job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})

	toRemove := min(len(q.jobs)-q.maxJobs, len(terminal))
	pruned := make([]string, 0, toRemove)
	for _, job := range terminal[:toRemove] {
		q.releaseDedupeLocked(job)
		delete(q.jobs, job.ID)
		pruned = append(pruned, job.ID)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			q.logger.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		q.logger.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*PrefetchJob, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning {
			job.Status = StatusPending
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.Status == StatusPending {
			q.dedupe[job.dedupeKey()] = job.ID
		}
		if n := jobSeq(job.ID); n > q.idCounter {
			q.idCounter = n
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func jobSeq(jobID string) uint64 {
	if !strings.HasPrefix(jobID, "job-") {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(jobID, "job-"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (q *Queue) persistJob(job *PrefetchJob) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		q.logger.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func cloneJob(job *PrefetchJob) *PrefetchJob {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
