package approver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Queue directory layout: <root>/<status>/<job-id>/, with job metadata in
// metadata.json, code under code/, and the approval note in approval.json.
const (
	statusPending   = "pending"
	statusApproved  = "approved"
	statusCompleted = "completed"

	metadataFile = "metadata.json"
	approvalFile = "approval.json"
	codeSubdir   = "code"
)

type jobMetadata struct {
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	RequesterEmail string    `json:"requester_email"`
	CreatedAt      time.Time `json:"created_at"`
}

type approvalNote struct {
	ApprovedBy string    `json:"approved_by"`
	Reason     string    `json:"reason"`
	ApprovedAt time.Time `json:"approved_at"`
}

// DirQueue is a JobSource backed by a status-partitioned directory tree. An
// external runner picks up approved jobs, executes them, and moves them to
// completed; this process only ever moves jobs from pending to approved.
type DirQueue struct {
	root     string
	operator string
	logger   *slog.Logger
}

func NewDirQueue(root, operatorEmail string, logger *slog.Logger) (*DirQueue, error) {
	if root == "" {
		return nil, fmt.Errorf("queue root is required")
	}
	for _, status := range []string{statusPending, statusApproved, statusCompleted} {
		if err := os.MkdirAll(filepath.Join(root, status), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", status, err)
		}
	}
	return &DirQueue{root: root, operator: NormalizeEmail(operatorEmail), logger: logger}, nil
}

func (q *DirQueue) Pending() ([]Job, error) {
	return q.listJobs(statusPending)
}

// CompletedApproved returns completed jobs whose approval note names this
// operator. Jobs approved by someone else, or completed without an approval
// note, are not ours to capture.
func (q *DirQueue) CompletedApproved() ([]Job, error) {
	jobs, err := q.listJobs(statusCompleted)
	if err != nil {
		return nil, err
	}
	mine := jobs[:0]
	for _, j := range jobs {
		dj := j.(*dirJob)
		note, err := dj.approval()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				q.logger.Warn("skipping completed job with unreadable approval note", "job", dj.id, "error", err)
			}
			continue
		}
		if NormalizeEmail(note.ApprovedBy) == q.operator {
			mine = append(mine, j)
		}
	}
	return mine, nil
}

func (q *DirQueue) listJobs(status string) ([]Job, error) {
	dir := filepath.Join(q.root, status)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s queue: %w", status, err)
	}
	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		job, err := q.loadJob(status, e.Name())
		if err != nil {
			q.logger.Warn("skipping unreadable job", "status", status, "job", e.Name(), "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt().Before(jobs[j].CreatedAt())
	})
	return jobs, nil
}

func (q *DirQueue) loadJob(status, id string) (*dirJob, error) {
	dir := filepath.Join(q.root, status, id)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta jobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &dirJob{queue: q, id: id, status: status, meta: meta}, nil
}

type dirJob struct {
	queue  *DirQueue
	id     string
	status string
	meta   jobMetadata
}

func (j *dirJob) ID() string             { return j.id }
func (j *dirJob) Name() string           { return j.meta.Name }
func (j *dirJob) Description() string    { return j.meta.Description }
func (j *dirJob) Tags() []string         { return j.meta.Tags }
func (j *dirJob) RequesterEmail() string { return j.meta.RequesterEmail }
func (j *dirJob) CreatedAt() time.Time   { return j.meta.CreatedAt }

func (j *dirJob) dir() string {
	return filepath.Join(j.queue.root, j.status, j.id)
}

func (j *dirJob) CodeDir() (string, error) {
	code := filepath.Join(j.dir(), codeSubdir)
	if _, err := os.Stat(code); err != nil {
		return "", err
	}
	return code, nil
}

func (j *dirJob) approval() (approvalNote, error) {
	data, err := os.ReadFile(filepath.Join(j.dir(), approvalFile))
	if err != nil {
		return approvalNote{}, err
	}
	var note approvalNote
	if err := json.Unmarshal(data, &note); err != nil {
		return approvalNote{}, fmt.Errorf("decode approval note: %w", err)
	}
	return note, nil
}

// Approve writes the approval note and moves the job directory from pending
// to approved. The note is written before the move so the approved job always
// carries its provenance.
func (j *dirJob) Approve(reason string) error {
	if j.status != statusPending {
		return fmt.Errorf("job %s is %s, not pending", j.id, j.status)
	}
	note := approvalNote{
		ApprovedBy: j.queue.operator,
		Reason:     reason,
		ApprovedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode approval note: %w", err)
	}
	if err := os.WriteFile(filepath.Join(j.dir(), approvalFile), data, 0o644); err != nil {
		return fmt.Errorf("write approval note: %w", err)
	}
	src := j.dir()
	dst := filepath.Join(j.queue.root, statusApproved, j.id)
	if err := moveDir(src, dst); err != nil {
		return fmt.Errorf("move job to approved: %w", err)
	}
	j.status = statusApproved
	return nil
}

// moveDir renames src to dst, falling back to copy + remove for cross-device
// moves.
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
