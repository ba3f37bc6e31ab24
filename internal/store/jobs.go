package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/notify"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoCurrentJob is returned by UpdateCurrentJob when no job is selected.
	ErrNoCurrentJob = errors.New("no current job")
)

// JobStore persists jobs under the "jobs" key and tracks which one is
// current. The current-job selection lives in memory only.
//
// All mutations hold one lock across read, modify and write. Notifications
// are published after the lock is released.
type JobStore struct {
	kv    KV
	log   *zap.Logger
	newID func() string
	now   func() time.Time

	mu        sync.Mutex
	currentID string

	// CurrentJobChanged carries the current job id, or "" when cleared.
	CurrentJobChanged notify.Bus[string]
	// JobsChanged fires after the job list is written by SaveJob, UpdateJob
	// or RemoveJob.
	JobsChanged notify.Bus[struct{}]
}

// JobStoreOption customizes a JobStore.
type JobStoreOption func(*JobStore)

// WithIDGenerator replaces uuid.NewString for new job ids.
func WithIDGenerator(fn func() string) JobStoreOption {
	return func(s *JobStore) { s.newID = fn }
}

// WithClock replaces time.Now for creation dates.
func WithClock(fn func() time.Time) JobStoreOption {
	return func(s *JobStore) { s.now = fn }
}

// NewJobStore creates a job store backed by kv.
func NewJobStore(kv KV, log *zap.Logger, opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		kv:    kv,
		log:   log,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CurrentJobID returns the selected job id, or "".
func (s *JobStore) CurrentJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// SetCurrentJob selects the job with the given id. An empty id clears the
// selection. An id that is unknown or cannot be loaded leaves no job
// selected; subscribers are notified in every case and the lookup error is
// returned afterwards.
func (s *JobStore) SetCurrentJob(ctx context.Context, id string) error {
	var lookupErr error
	s.mu.Lock()
	if id != "" {
		jobs, err := s.load(ctx)
		switch {
		case err != nil:
			lookupErr = fmt.Errorf("select job %s: %w", id, err)
		case indexOf(jobs, id) < 0:
			lookupErr = fmt.Errorf("select job %s: %w", id, ErrJobNotFound)
		}
		if lookupErr != nil {
			id = ""
		}
	}
	s.currentID = id
	s.mu.Unlock()

	if lookupErr != nil {
		s.log.Warn("selected job unavailable, no job selected", zap.Error(lookupErr))
	} else {
		s.log.Info("current job changed", zap.String("job_id", id))
	}
	s.CurrentJobChanged.Publish(id)
	return lookupErr
}

// CurrentJob returns the selected job. ok is false when no job is selected
// or the selected job no longer exists.
func (s *JobStore) CurrentJob(ctx context.Context) (job logic.Job, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		return logic.Job{}, false, nil
	}
	jobs, err := s.load(ctx)
	if err != nil {
		return logic.Job{}, false, err
	}
	i := indexOf(jobs, s.currentID)
	if i < 0 {
		return logic.Job{}, false, nil
	}
	return jobs[i], true, nil
}

// Jobs returns every persisted job.
func (s *JobStore) Jobs(ctx context.Context) ([]logic.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Job returns the job with the given id.
func (s *JobStore) Job(ctx context.Context, id string) (logic.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.load(ctx)
	if err != nil {
		return logic.Job{}, err
	}
	i := indexOf(jobs, id)
	if i < 0 {
		return logic.Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return jobs[i], nil
}

// SaveJob inserts or replaces a job. A job without an id gets a new one and
// a job without a creation date is stamped with the current time.
func (s *JobStore) SaveJob(ctx context.Context, job logic.Job) (logic.Job, error) {
	if job.ID == "" {
		job.ID = s.newID()
	}
	if job.CreationDate.IsZero() {
		job.CreationDate = s.now()
	}
	if job.Events == nil {
		job.Events = []logic.Event{}
	}

	s.mu.Lock()
	jobs, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return logic.Job{}, err
	}
	if i := indexOf(jobs, job.ID); i >= 0 {
		jobs[i] = job
	} else {
		jobs = append(jobs, job)
	}
	if err := s.store(ctx, jobs); err != nil {
		s.mu.Unlock()
		return logic.Job{}, err
	}
	isCurrent := job.ID == s.currentID
	s.mu.Unlock()

	s.JobsChanged.Publish(struct{}{})
	if isCurrent {
		s.CurrentJobChanged.Publish(job.ID)
	}
	return job, nil
}

// RemoveJob deletes a job. Removing the current job clears the selection
// first.
func (s *JobStore) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	jobs, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	i := indexOf(jobs, id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("remove job %s: %w", id, ErrJobNotFound)
	}

	wasCurrent := s.currentID == id
	if wasCurrent {
		s.currentID = ""
	}
	jobs = append(jobs[:i], jobs[i+1:]...)
	if err := s.store(ctx, jobs); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if wasCurrent {
		s.CurrentJobChanged.Publish("")
	}
	s.JobsChanged.Publish(struct{}{})
	return nil
}

// UpdateCurrentJob runs fn on a copy of the current job and persists the
// result when fn reports a change. The whole read-modify-write holds the
// store lock, so concurrent updates never lose each other's edits.
func (s *JobStore) UpdateCurrentJob(ctx context.Context, fn func(job *logic.Job) (bool, error)) (logic.Job, bool, error) {
	s.mu.Lock()
	if s.currentID == "" {
		s.mu.Unlock()
		return logic.Job{}, false, ErrNoCurrentJob
	}
	jobs, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return logic.Job{}, false, err
	}
	i := indexOf(jobs, s.currentID)
	if i < 0 {
		s.mu.Unlock()
		return logic.Job{}, false, ErrNoCurrentJob
	}

	job := jobs[i].Clone()
	changed, err := fn(&job)
	if err != nil || !changed {
		s.mu.Unlock()
		return jobs[i], false, err
	}

	jobs[i] = job
	if err := s.store(ctx, jobs); err != nil {
		s.mu.Unlock()
		return logic.Job{}, false, err
	}
	s.mu.Unlock()

	s.CurrentJobChanged.Publish(job.ID)
	return job, true, nil
}

// UpdateJob runs fn on a copy of the job with the given id and persists the
// result. The id and event log of the job are not editable through fn.
func (s *JobStore) UpdateJob(ctx context.Context, id string, fn func(job *logic.Job)) (logic.Job, error) {
	s.mu.Lock()
	jobs, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return logic.Job{}, err
	}
	i := indexOf(jobs, id)
	if i < 0 {
		s.mu.Unlock()
		return logic.Job{}, fmt.Errorf("update job %s: %w", id, ErrJobNotFound)
	}

	job := jobs[i].Clone()
	fn(&job)
	job.ID = jobs[i].ID
	job.Events = jobs[i].Clone().Events
	jobs[i] = job
	if err := s.store(ctx, jobs); err != nil {
		s.mu.Unlock()
		return logic.Job{}, err
	}
	isCurrent := id == s.currentID
	s.mu.Unlock()

	s.JobsChanged.Publish(struct{}{})
	if isCurrent {
		s.CurrentJobChanged.Publish(id)
	}
	return job, nil
}

// MarkEventAsViewed acknowledges one event of the current job.
func (s *JobStore) MarkEventAsViewed(ctx context.Context, eventID string) (bool, error) {
	_, changed, err := s.UpdateCurrentJob(ctx, func(job *logic.Job) (bool, error) {
		return logic.MarkViewed(job, eventID), nil
	})
	if errors.Is(err, ErrNoCurrentJob) {
		return false, nil
	}
	return changed, err
}

// MarkAllEventsAsViewed acknowledges every event of the current job.
func (s *JobStore) MarkAllEventsAsViewed(ctx context.Context) (bool, error) {
	_, changed, err := s.UpdateCurrentJob(ctx, func(job *logic.Job) (bool, error) {
		return logic.MarkAllViewed(job), nil
	})
	if errors.Is(err, ErrNoCurrentJob) {
		return false, nil
	}
	return changed, err
}

func (s *JobStore) load(ctx context.Context) ([]logic.Job, error) {
	raw, err := s.kv.Get(ctx, KeyJobs)
	if errors.Is(err, ErrMiss) {
		return []logic.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	var jobs []logic.Job
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	if jobs == nil {
		jobs = []logic.Job{}
	}
	return jobs, nil
}

func (s *JobStore) store(ctx context.Context, jobs []logic.Job) error {
	raw, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := s.kv.Set(ctx, KeyJobs, string(raw)); err != nil {
		return fmt.Errorf("save jobs: %w", err)
	}
	return nil
}

func indexOf(jobs []logic.Job, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}
