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
	"strings"
	"testing"
	"time"
)

// testJob blocks until released or canceled, so the tests can observe
// every lifecycle state
type testJob struct {
	started chan struct{}
	release chan struct{}
	result  []int
	err     error
	onRun   func(sink Sink)
}

func newTestJob() *testJob {
	return &testJob{started: make(chan struct{}), release: make(chan struct{})}
}

func (j *testJob) Type() string { return "alignment" }

func (j *testJob) Run(ctx context.Context, _ Store, sink Sink) ([]int, error) {
	if j.onRun != nil {
		j.onRun(sink)
	}
	close(j.started)
	select {
	case <-j.release:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
}

func TestRunnerLifecycle(t *testing.T) {
	r := NewRunner(newMemStore(), nil)
	j := newTestJob()
	j.result = []int{7}
	j.onRun = func(sink Sink) {
		sink.UpdateProgress(50, 0, 2)
		sink.AddError(fmt.Errorf("skipped frame"), 3)
	}

	id := r.Submit(context.Background(), j)
	<-j.started

	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ID != id || st.Type != "alignment" || st.State != StateInProgress {
		t.Errorf("status=%+v; want in_progress alignment", st)
	}
	if st.Progress != 50 || st.Stage != 0 || st.TotalStages != 2 {
		t.Errorf("progress=%v,%v,%v; want 50,0,2", st.Progress, st.Stage, st.TotalStages)
	}
	if len(st.Errors) != 1 || st.Errors[0].FileID != 3 || st.Errors[0].Detail != "skipped frame" {
		t.Errorf("errors=%v; want skipped frame on file 3", st.Errors)
	}
	if st.CompletedOn != nil {
		t.Errorf("CompletedOn=%v on a running job", st.CompletedOn)
	}

	close(j.release)
	done, err := r.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitDone(t, done)

	st, err = r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCompleted || st.Error != "" {
		t.Errorf("state=%q error=%q; want completed cleanly", st.State, st.Error)
	}
	if len(st.Result) != 1 || st.Result[0] != 7 {
		t.Errorf("result=%v; want [7]", st.Result)
	}
	if st.CompletedOn == nil {
		t.Errorf("CompletedOn missing on a finished job")
	}

	if err := r.Cancel(id); err == nil ||
		!strings.Contains(err.Error(), `Cannot cancel a job in state "completed"`) {
		t.Errorf("Cancel(finished)=%v; want state error", err)
	}
}

func TestRunnerCancel(t *testing.T) {
	r := NewRunner(newMemStore(), nil)
	j := newTestJob()

	id := r.Submit(context.Background(), j)
	<-j.started

	if err := r.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	done, err := r.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitDone(t, done)

	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCanceled {
		t.Errorf("state=%q; want canceled", st.State)
	}
	if st.Error != context.Canceled.Error() {
		t.Errorf("error=%q; want %q", st.Error, context.Canceled.Error())
	}
	if st.CompletedOn == nil {
		t.Errorf("CompletedOn missing on a canceled job")
	}
}

func TestRunnerFailure(t *testing.T) {
	r := NewRunner(newMemStore(), nil)
	j := newTestJob()
	j.err = fmt.Errorf("alignment exploded")
	close(j.release)

	id := r.Submit(context.Background(), j)
	done, err := r.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitDone(t, done)

	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCompleted || st.Error != "alignment exploded" {
		t.Errorf("state=%q error=%q; want the failure recorded", st.State, st.Error)
	}
}

func TestRunnerUnknownJob(t *testing.T) {
	r := NewRunner(newMemStore(), nil)
	if _, err := r.Status("nope"); err == nil || !strings.Contains(err.Error(), "Unknown job nope") {
		t.Errorf("Status err=%v; want unknown job", err)
	}
	if _, err := r.Done("nope"); err == nil {
		t.Errorf("Done err=nil; want unknown job")
	}
	if _, err := r.Job("nope"); err == nil {
		t.Errorf("Job err=nil; want unknown job")
	}
	if err := r.Cancel("nope"); err == nil {
		t.Errorf("Cancel err=nil; want unknown job")
	}
}

func TestRunnerList(t *testing.T) {
	r := NewRunner(newMemStore(), nil)
	var ids []string
	var jobs []*testJob
	for i := 0; i < 3; i++ {
		j := newTestJob()
		ids = append(ids, r.Submit(context.Background(), j))
		jobs = append(jobs, j)
		time.Sleep(time.Millisecond)
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len(list)=%d; want 3", len(list))
	}
	for i, st := range list {
		if st.ID != ids[i] {
			t.Errorf("list[%d]=%s; want %s in submission order", i, st.ID, ids[i])
		}
	}

	for _, j := range jobs {
		close(j.release)
	}
	for _, id := range ids {
		done, err := r.Done(id)
		if err != nil {
			t.Fatalf("Done: %v", err)
		}
		waitDone(t, done)
	}
}

// A real cropping job submitted through the runner lands its output in
// the store
func TestRunnerRunsCroppingJob(t *testing.T) {
	store := newMemStore()
	store.add(rampImage(8, 6))
	r := NewRunner(store, nil)

	id := r.Submit(context.Background(), &CroppingJob{
		FileIDs:  []int{1},
		Settings: CropSettings{Left: 2},
	})
	done, err := r.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitDone(t, done)

	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateCompleted || st.Error != "" || len(st.Errors) != 0 {
		t.Fatalf("status=%+v; want a clean completion", st)
	}
	if len(st.Result) != 1 || st.Result[0] != 2 {
		t.Fatalf("result=%v; want [2]", st.Result)
	}

	jb, err := r.Job(id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if _, ok := jb.(*CroppingJob); !ok {
		t.Errorf("Job()=%T; want the submitted cropping job", jb)
	}

	img, err := store.ReadImage(2)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if img.Naxisn[0] != 6 || img.Naxisn[1] != 6 {
		t.Errorf("dims %dx%d; want 6x6", img.Naxisn[0], img.Naxisn[1])
	}
}
