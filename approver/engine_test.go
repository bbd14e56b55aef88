package approver

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockJob struct {
	mu        sync.Mutex
	id        string
	name      string
	requester string
	files     map[string]string
	approved  bool
	reason    string
	failWith  error
}

func (j *mockJob) ID() string             { return j.id }
func (j *mockJob) Name() string           { return j.name }
func (j *mockJob) Description() string    { return "" }
func (j *mockJob) Tags() []string         { return nil }
func (j *mockJob) RequesterEmail() string { return j.requester }
func (j *mockJob) CreatedAt() time.Time   { return time.Time{} }

func (j *mockJob) ReviewData() (map[string]string, error) {
	if j.files == nil {
		return map[string]string{}, nil
	}
	return j.files, nil
}

func (j *mockJob) Approve(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWith != nil {
		return j.failWith
	}
	j.approved = true
	j.reason = reason
	return nil
}

func (j *mockJob) approveState() (bool, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.approved, j.reason
}

type mockSource struct {
	mu        sync.Mutex
	pending   []Job
	completed []Job
}

func (s *mockSource) Pending() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.pending))
	for _, j := range s.pending {
		if mj, ok := j.(*mockJob); ok {
			if approved, _ := mj.approveState(); approved {
				continue
			}
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *mockSource) CompletedApproved() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.completed...), nil
}

func (s *mockSource) setPending(jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = jobs
}

func newEngineFixture(t *testing.T, source JobSource) (*Engine, *Allowlist, *TrustedCode, *History) {
	t.Helper()
	store := testStore(t)
	logger := testLogger()
	allow := NewAllowlist(store, "owner@example.com", logger)
	history := NewHistory(store, logger)
	trusted := NewTrustedCode(store, history, logger)
	engine := NewEngine(EngineConfig{}, source, allow, trusted, history, nil, logger)
	return engine, allow, trusted, history
}

func countDecisions(t *testing.T, history *History, jobID string, action DecisionAction) int {
	t.Helper()
	decisions, err := history.Decisions(0)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	n := 0
	for _, d := range decisions {
		if d.JobID == jobID && d.Action == action {
			n++
		}
	}
	return n
}

func TestEngineApprovesTrustedSender(t *testing.T) {
	job := &mockJob{id: "j1", name: "deploy", requester: "Owner@Example.com"}
	source := &mockSource{}
	source.setPending(job)
	engine, _, _, history := newEngineFixture(t, source)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}

	approved, reason := job.approveState()
	if !approved {
		t.Fatal("job from allowlisted sender not approved")
	}
	if !strings.Contains(reason, "trusted sender (owner@example.com)") {
		t.Fatalf("reason = %q", reason)
	}
	if !strings.HasPrefix(reason, "Auto-approved (") {
		t.Fatalf("reason format = %q", reason)
	}
	if n := countDecisions(t, history, "j1", ActionApprove); n != 1 {
		t.Fatalf("approve decisions = %d, want 1", n)
	}
}

func TestEngineApprovesTrustedCode(t *testing.T) {
	files := map[string]string{"report.py": "print('report')\n"}
	source := &mockSource{}
	engine, _, trusted, history := newEngineFixture(t, source)

	// Capture a completed run of the same content and mark it trusted.
	record, err := history.Append(JobContent{Name: "nightly report", CodeFiles: files})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := trusted.Mark(record.Signature); err != nil {
		t.Fatalf("mark: %v", err)
	}

	job := &mockJob{id: "j2", name: "nightly report", requester: "stranger@example.com", files: files}
	source.setPending(job)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}

	approved, reason := job.approveState()
	if !approved {
		t.Fatal("job matching trusted pattern not approved")
	}
	want := fmt.Sprintf("trusted code pattern (signature: %s...)", shortSignature(record.Signature))
	if !strings.Contains(reason, want) {
		t.Fatalf("reason = %q, want substring %q", reason, want)
	}
}

func TestEngineIgnoresOncePerEpoch(t *testing.T) {
	job := &mockJob{id: "j3", name: "unknown", requester: "stranger@example.com"}
	source := &mockSource{}
	source.setPending(job)
	engine, _, _, history := newEngineFixture(t, source)

	for i := 0; i < 5; i++ {
		if err := engine.RunOnce(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if approved, _ := job.approveState(); approved {
		t.Fatal("untrusted job was approved")
	}
	if n := countDecisions(t, history, "j3", ActionIgnore); n != 1 {
		t.Fatalf("ignore decisions = %d, want exactly 1", n)
	}
}

func TestEngineNewEpochReevaluates(t *testing.T) {
	job := &mockJob{id: "j4", name: "unknown", requester: "newcomer@example.com"}
	source := &mockSource{}
	source.setPending(job)
	engine, allow, _, history := newEngineFixture(t, source)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n := countDecisions(t, history, "j4", ActionIgnore); n != 1 {
		t.Fatalf("ignore decisions = %d, want 1", n)
	}

	// Allowlist change starts a new epoch: the sender is now trusted, so the
	// previously ignored job is approved on the next pass.
	if err := allow.Add("newcomer@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once after epoch: %v", err)
	}

	approved, _ := job.approveState()
	if !approved {
		t.Fatal("job not approved after allowlist change")
	}
}

func TestEngineNewEpochReignoresStillUntrusted(t *testing.T) {
	job := &mockJob{id: "j5", name: "unknown", requester: "stranger@example.com"}
	source := &mockSource{}
	source.setPending(job)
	engine, allow, _, history := newEngineFixture(t, source)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	// Unrelated allowlist change still resets the epoch.
	if err := allow.Add("someone-else@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once after epoch: %v", err)
	}

	if n := countDecisions(t, history, "j5", ActionIgnore); n != 2 {
		t.Fatalf("ignore decisions across 2 epochs = %d, want 2", n)
	}
}

func TestEngineRecordsFailedApproval(t *testing.T) {
	job := &mockJob{
		id:        "j6",
		name:      "deploy",
		requester: "owner@example.com",
		failWith:  fmt.Errorf("queue backend unavailable"),
	}
	source := &mockSource{}
	source.setPending(job)
	engine, _, _, history := newEngineFixture(t, source)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if n := countDecisions(t, history, "j6", ActionFailedApproval); n != 1 {
		t.Fatalf("failed_approval decisions = %d, want 1", n)
	}
	decisions, err := history.Decisions(0)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	for _, d := range decisions {
		if d.JobID != "j6" {
			continue
		}
		if success, _ := d.Metadata["success"].(bool); success {
			t.Fatalf("failed approval recorded success=true: %+v", d)
		}
		if msg, _ := d.Metadata["error"].(string); !strings.Contains(msg, "queue backend unavailable") {
			t.Fatalf("error metadata = %v", d.Metadata["error"])
		}
	}
}

func TestEngineCapturesCompletedOnce(t *testing.T) {
	job := &mockJob{id: "c1", name: "done", files: map[string]string{"a.py": "a\n"}}
	source := &mockSource{completed: []Job{job}}
	engine, _, _, history := newEngineFixture(t, source)

	for i := 0; i < 3; i++ {
		if err := engine.RunOnce(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	records, err := history.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history records = %d, want 1", len(records))
	}
	if records[0].Name != "done" {
		t.Fatalf("captured name = %q", records[0].Name)
	}
}

func TestEngineGCDropsGoneJobs(t *testing.T) {
	job := &mockJob{id: "g1", name: "unknown", requester: "stranger@example.com"}
	source := &mockSource{}
	source.setPending(job)
	engine, _, _, _ := newEngineFixture(t, source)

	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if _, ok := engine.ignored["g1"]; !ok {
		t.Fatal("job not in ignored set after run")
	}

	source.setPending()
	if err := engine.gcIgnored(); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if _, ok := engine.ignored["g1"]; ok {
		t.Fatal("gone job still in ignored set after gc")
	}
}

func TestEngineSenderCheckPrecedesCodeCheck(t *testing.T) {
	files := map[string]string{"x.py": "x\n"}
	source := &mockSource{}
	engine, _, trusted, history := newEngineFixture(t, source)

	record, err := history.Append(JobContent{Name: "job", CodeFiles: files})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := trusted.Mark(record.Signature); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Sender is allowlisted AND code is trusted: the sender reason wins.
	job := &mockJob{id: "p1", name: "job", requester: "owner@example.com", files: files}
	source.setPending(job)
	if err := engine.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	_, reason := job.approveState()
	if !strings.Contains(reason, "trusted sender") {
		t.Fatalf("reason = %q, want trusted sender", reason)
	}
}
