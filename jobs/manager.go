package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/projectdiscovery/gologger"

	"github.com/thecodingguy1/DomainMap/scanner"
)

type ProgressSubscriber chan *Progress

// ScanFunc runs one scan for a job. The manager builds it around
// scanner.Scan with the server's fetcher and limiter.
type ScanFunc func(ctx context.Context, targets []scanner.Target, onProgress scanner.ProgressFunc) []scanner.ScanResult

const (
	DefaultMaxConcurrentJobs = 4
	MaxTargetsPerJob         = 1000
)

type Manager struct {
	mu           sync.RWMutex
	jobs         *cache.Cache
	visitorJobs  map[string]string
	subscribers  map[string][]ProgressSubscriber
	subscriberMu sync.RWMutex

	queue         []string
	runningCount  int
	maxConcurrent int
	pool          *workerpool.WorkerPool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc

	scan   ScanFunc
	jobTTL time.Duration
}

func NewManager(scan ScanFunc, jobTTL, cleanupInterval time.Duration) *Manager {
	return NewManagerWithConcurrency(scan, jobTTL, cleanupInterval, DefaultMaxConcurrentJobs)
}

func NewManagerWithConcurrency(scan ScanFunc, jobTTL, cleanupInterval time.Duration, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		jobs:          cache.New(jobTTL, cleanupInterval),
		visitorJobs:   make(map[string]string),
		subscribers:   make(map[string][]ProgressSubscriber),
		queue:         make([]string, 0),
		maxConcurrent: maxConcurrent,
		pool:          workerpool.New(maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
		scan:          scan,
		jobTTL:        jobTTL,
	}

	// Only finished jobs carry an expiry, so this never drops an active job.
	m.jobs.OnEvicted(func(id string, _ interface{}) {
		m.mu.Lock()
		defer m.mu.Unlock()
		for visitor, jobID := range m.visitorJobs {
			if jobID == id {
				delete(m.visitorJobs, visitor)
			}
		}
	})

	gologger.Info().Msgf("Job manager initialized: max %d concurrent jobs", maxConcurrent)
	return m
}

// lookup must be called with m.mu held.
func (m *Manager) lookup(jobID string) (*Job, bool) {
	v, found := m.jobs.Get(jobID)
	if !found {
		return nil, false
	}
	return v.(*Job), true
}

func (m *Manager) CreateJob(visitorIP string, targets []scanner.Target) (*Job, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if len(targets) > MaxTargetsPerJob {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTargets, len(targets), MaxTargetsPerJob)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}

	if activeJobID, exists := m.visitorJobs[visitorIP]; exists {
		if activeJob, found := m.lookup(activeJobID); found && !activeJob.Status.Finished() {
			return nil, &ActiveJobError{JobID: activeJobID}
		}
	}

	job := &Job{
		ID:        uuid.New().String(),
		Targets:   targets,
		VisitorIP: visitorIP,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}

	m.jobs.Set(job.ID, job, cache.NoExpiration)
	m.visitorJobs[visitorIP] = job.ID

	m.queue = append(m.queue, job.ID)
	m.updateQueuePositions()
	m.pool.Submit(func() {
		m.executeJob(job.ID)
	})

	snapshot := *job
	return &snapshot, nil
}

// updateQueuePositions must be called with m.mu held.
func (m *Manager) updateQueuePositions() {
	for i, jobID := range m.queue {
		if job, exists := m.lookup(jobID); exists {
			job.QueuePosition = i + 1
		}
	}
}

func (m *Manager) dequeue(jobID string) {
	for i, id := range m.queue {
		if id == jobID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.updateQueuePositions()
}

// GetJob returns a snapshot of the job, safe to read while it runs.
func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, exists := m.lookup(jobID)
	if !exists {
		return nil, false
	}
	snapshot := *job
	if job.Progress != nil {
		progress := *job.Progress
		snapshot.Progress = &progress
	}
	return &snapshot, true
}

func (m *Manager) executeJob(jobID string) {
	m.mu.Lock()
	job, exists := m.lookup(jobID)
	m.dequeue(jobID)
	if !exists || job.Status.Finished() {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	job.Status = JobStatusRunning
	job.QueuePosition = 0
	job.StartedAt = &now
	targets := job.Targets
	m.runningCount++
	m.mu.Unlock()

	gologger.Info().Msgf("Job %s started: %d targets", jobID, len(targets))
	m.notifySubscribers(jobID, &Progress{Stage: "Starting", Current: 0, Total: len(targets)})

	onProgress := func(stage string, current, total int) {
		m.mu.Lock()
		job.Progress = &Progress{
			Stage:   stage,
			Current: current,
			Total:   total,
		}
		progress := *job.Progress
		m.mu.Unlock()

		m.notifySubscribers(jobID, &progress)
	}

	results, err := m.runScan(targets, onProgress)

	m.mu.Lock()
	ended := time.Now()
	job.EndedAt = &ended
	job.Progress = nil
	m.runningCount--

	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		groups := scanner.Aggregate(results)
		scanner.EnrichGroups(groups)
		summary := scanner.Summarize(results)

		job.Status = JobStatusCompleted
		job.Results = results
		job.Groups = groups
		job.Summary = &summary
	}

	// finished jobs now age out
	m.jobs.Set(jobID, job, m.jobTTL)
	status := job.Status
	m.mu.Unlock()

	gologger.Info().Msgf("Job %s finished with status: %s", jobID, status)

	m.closeSubscribers(jobID)
}

// runScan turns a panicking scan into a failed job.
func (m *Manager) runScan(targets []scanner.Target, onProgress scanner.ProgressFunc) (results []scanner.ScanResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return m.scan(m.ctx, targets, onProgress), nil
}

// Subscribe returns a channel of progress updates that is closed when the
// job ends. Subscribing to a finished or unknown job yields a closed channel.
func (m *Manager) Subscribe(jobID string) (ProgressSubscriber, func()) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	ch := make(chan *Progress, 10)

	m.mu.RLock()
	job, exists := m.lookup(jobID)
	finished := !exists || job.Status.Finished()
	m.mu.RUnlock()

	if finished {
		close(ch)
		return ch, func() {}
	}

	m.subscribers[jobID] = append(m.subscribers[jobID], ch)

	unsubscribe := func() {
		m.subscriberMu.Lock()
		defer m.subscriberMu.Unlock()
		subs := m.subscribers[jobID]
		for i, sub := range subs {
			if sub == ch {
				m.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsubscribe
}

func (m *Manager) notifySubscribers(jobID string, progress *Progress) {
	m.subscriberMu.RLock()
	defer m.subscriberMu.RUnlock()

	for _, sub := range m.subscribers[jobID] {
		select {
		case sub <- progress:
		default:
			// slow subscriber, drop the update
		}
	}
}

func (m *Manager) closeSubscribers(jobID string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	for _, sub := range m.subscribers[jobID] {
		close(sub)
	}
	delete(m.subscribers, jobID)
}

func (m *Manager) GetActiveJobForVisitor(visitorIP string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobID, exists := m.visitorJobs[visitorIP]
	if !exists {
		return "", false
	}

	job, found := m.lookup(jobID)
	if !found || job.Status.Finished() {
		return "", false
	}

	return jobID, true
}

func (m *Manager) GetQueueStats() (running, queued, maxConcurrent int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runningCount, len(m.queue), m.maxConcurrent
}

// Shutdown stops accepting jobs, interrupts running scans and waits for
// them to return their partial results.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	// queued jobs never start; fail them so clients stop waiting
	abandoned := m.queue
	m.queue = make([]string, 0)
	ended := time.Now()
	for _, jobID := range abandoned {
		job, exists := m.lookup(jobID)
		if !exists {
			continue
		}
		job.Status = JobStatusFailed
		job.Error = ErrShuttingDown.Error()
		job.QueuePosition = 0
		job.EndedAt = &ended
		m.jobs.Set(jobID, job, m.jobTTL)
	}
	m.mu.Unlock()

	for _, jobID := range abandoned {
		m.closeSubscribers(jobID)
	}

	m.cancel()
	m.pool.StopWait()
	gologger.Info().Msg("Job manager shut down")
}
