// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package job

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skylign_jobs_started_total",
		Help: "Number of jobs submitted to the runner.",
	}, []string{"type"})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skylign_jobs_finished_total",
		Help: "Number of jobs finished, by outcome.",
	}, []string{"type", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "skylign_job_duration_seconds",
		Help: "Wall clock duration of finished jobs.",
	}, []string{"type"})
)

// Job lifecycle states
const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateCanceled   = "canceled"
)

// StatusError is one recoverable failure in a job status report
type StatusError struct {
	FileID int    `json:"file_id,omitempty"`
	Detail string `json:"detail"`
}

// Status is a point in time snapshot of one submitted job
type Status struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	State       string        `json:"state"`
	Progress    float64       `json:"progress"`
	Stage       int           `json:"stage"`
	TotalStages int           `json:"total_stages"`
	Result      []int         `json:"result,omitempty"`
	Errors      []StatusError `json:"errors,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedOn   time.Time     `json:"created_on"`
	CompletedOn *time.Time    `json:"completed_on,omitempty"`
}

// Runner executes jobs in process, one goroutine per job, and keeps
// their state for polling until the process ends
type Runner struct {
	store Store
	log   io.Writer

	mu   sync.Mutex
	jobs map[string]*running
}

type running struct {
	id       string
	job      Job
	cancel   context.CancelFunc
	progress *Progress
	created  time.Time
	done     chan struct{}

	mu        sync.Mutex
	state     string
	result    []int
	err       error
	completed time.Time
}

// NewRunner returns a runner over the given store. log receives progress
// and error lines of all jobs and may be nil
func NewRunner(store Store, log io.Writer) *Runner {
	return &Runner{store: store, log: log, jobs: map[string]*running{}}
}

// Submit starts the job in the background and returns its ID. Canceling
// ctx cancels every job submitted under it
func (r *Runner) Submit(ctx context.Context, j Job) string {
	id := uuid.New().String()
	jctx, cancel := context.WithCancel(ctx)
	run := &running{
		id:       id,
		job:      j,
		cancel:   cancel,
		progress: NewProgress(r.log),
		created:  time.Now().UTC(),
		done:     make(chan struct{}),
		state:    StatePending,
	}
	r.mu.Lock()
	r.jobs[id] = run
	r.mu.Unlock()

	jobsStarted.WithLabelValues(j.Type()).Inc()
	go run.run(jctx, r.store)
	return id
}

func (rn *running) run(ctx context.Context, store Store) {
	defer rn.cancel()
	start := time.Now()

	rn.mu.Lock()
	rn.state = StateInProgress
	rn.mu.Unlock()

	result, err := rn.job.Run(ctx, store, rn.progress)

	state := StateCompleted
	if ctx.Err() != nil {
		state = StateCanceled
	}
	rn.mu.Lock()
	rn.state = state
	rn.result = result
	rn.err = err
	rn.completed = time.Now().UTC()
	rn.mu.Unlock()
	close(rn.done)

	outcome := state
	if state == StateCompleted && err != nil {
		outcome = "failed"
	}
	jobsFinished.WithLabelValues(rn.job.Type(), outcome).Inc()
	jobDuration.WithLabelValues(rn.job.Type()).Observe(time.Since(start).Seconds())
}

func (r *Runner) find(id string) (*running, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("Unknown job %s", id)
	}
	return run, nil
}

// Status returns the current snapshot of the given job
func (r *Runner) Status(id string) (Status, error) {
	run, err := r.find(id)
	if err != nil {
		return Status{}, err
	}
	return run.status(), nil
}

// Job returns the submitted job itself, for result fields beyond the
// produced file IDs
func (r *Runner) Job(id string) (Job, error) {
	run, err := r.find(id)
	if err != nil {
		return nil, err
	}
	return run.job, nil
}

// Done returns a channel that is closed once the job reaches a terminal
// state
func (r *Runner) Done(id string) (<-chan struct{}, error) {
	run, err := r.find(id)
	if err != nil {
		return nil, err
	}
	return run.done, nil
}

// Cancel requests cooperative cancellation of a running job. The job
// keeps running until its next per-file or per-pair boundary
func (r *Runner) Cancel(id string) error {
	run, err := r.find(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	state := run.state
	run.mu.Unlock()
	if state == StateCompleted || state == StateCanceled {
		return fmt.Errorf("Cannot cancel a job in state %q", state)
	}
	run.cancel()
	return nil
}

// List returns snapshots of all submitted jobs in submission order
func (r *Runner) List() []Status {
	r.mu.Lock()
	runs := make([]*running, 0, len(r.jobs))
	for _, run := range r.jobs {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	sort.Slice(runs, func(i, k int) bool {
		if !runs[i].created.Equal(runs[k].created) {
			return runs[i].created.Before(runs[k].created)
		}
		return runs[i].id < runs[k].id
	})
	out := make([]Status, len(runs))
	for i, run := range runs {
		out[i] = run.status()
	}
	return out
}

func (rn *running) status() Status {
	percent, stage, totalStages, ferrs := rn.progress.Snapshot()
	rn.mu.Lock()
	defer rn.mu.Unlock()
	st := Status{
		ID:          rn.id,
		Type:        rn.job.Type(),
		State:       rn.state,
		Progress:    percent,
		Stage:       stage,
		TotalStages: totalStages,
		Result:      rn.result,
		CreatedOn:   rn.created,
	}
	if rn.state == StateCompleted || rn.state == StateCanceled {
		t := rn.completed
		st.CompletedOn = &t
	}
	if rn.err != nil {
		st.Error = rn.err.Error()
	}
	for _, fe := range ferrs {
		st.Errors = append(st.Errors, StatusError{FileID: fe.FileID, Detail: fe.Err.Error()})
	}
	return st
}
