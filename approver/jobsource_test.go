package approver

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type baseJob struct {
	id        string
	name      string
	requester string
}

func (j *baseJob) ID() string             { return j.id }
func (j *baseJob) Name() string           { return j.name }
func (j *baseJob) Description() string    { return "" }
func (j *baseJob) Tags() []string         { return nil }
func (j *baseJob) RequesterEmail() string { return j.requester }
func (j *baseJob) CreatedAt() time.Time   { return time.Time{} }
func (j *baseJob) Approve(string) error   { return nil }

type reviewDataJob struct {
	baseJob
	files map[string]string
	err   error
}

func (j *reviewDataJob) ReviewData() (map[string]string, error) { return j.files, j.err }

type listerJob struct {
	baseJob
	files    map[string]string
	badFiles map[string]struct{}
}

func (j *listerJob) ListFiles() ([]string, error) {
	paths := make([]string, 0, len(j.files))
	for p := range j.files {
		paths = append(paths, p)
	}
	for p := range j.badFiles {
		paths = append(paths, p)
	}
	return paths, nil
}

func (j *listerJob) ReadFile(path string) ([]byte, error) {
	if _, bad := j.badFiles[path]; bad {
		return nil, fmt.Errorf("unreadable: %s", path)
	}
	content, ok := j.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return []byte(content), nil
}

type reviewThenListerJob struct {
	listerJob
	reviewErr error
}

func (j *reviewThenListerJob) ReviewData() (map[string]string, error) { return nil, j.reviewErr }

func TestExtractContentReviewData(t *testing.T) {
	job := &reviewDataJob{
		baseJob: baseJob{id: "j1", name: "job"},
		files:   map[string]string{"main.py": "pass\n"},
	}
	content := ExtractContent(job, testLogger())
	if len(content.CodeFiles) != 1 || content.CodeFiles["main.py"] != "pass\n" {
		t.Fatalf("unexpected files: %v", content.CodeFiles)
	}
	if content.JobID != "j1" || content.Name != "job" {
		t.Fatalf("metadata not carried: %+v", content)
	}
}

func TestExtractContentFallsThroughOnError(t *testing.T) {
	job := &reviewThenListerJob{
		listerJob: listerJob{
			baseJob: baseJob{id: "j2", name: "job"},
			files:   map[string]string{"run.sh": "echo ok\n"},
		},
		reviewErr: fmt.Errorf("review data unavailable"),
	}
	content := ExtractContent(job, testLogger())
	if content.CodeFiles["run.sh"] != "echo ok\n" {
		t.Fatalf("fallback strategy not used: %v", content.CodeFiles)
	}
}

func TestExtractContentSkipsUnreadableFiles(t *testing.T) {
	job := &listerJob{
		baseJob:  baseJob{id: "j3", name: "job"},
		files:    map[string]string{"good.py": "ok\n"},
		badFiles: map[string]struct{}{"bad.py": {}},
	}
	content := ExtractContent(job, testLogger())
	if len(content.CodeFiles) != 1 || content.CodeFiles["good.py"] != "ok\n" {
		t.Fatalf("expected partial extraction, got %v", content.CodeFiles)
	}
}

func TestExtractContentNoCapability(t *testing.T) {
	content := ExtractContent(&baseJob{id: "j4", name: "bare"}, testLogger())
	if content.CodeFiles == nil {
		t.Fatal("code files must be an empty map, not nil")
	}
	if len(content.CodeFiles) != 0 {
		t.Fatalf("unexpected files: %v", content.CodeFiles)
	}
}

func TestReadCodeTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "util.py"), []byte("util\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := readCodeTree(dir)
	if err != nil {
		t.Fatalf("readCodeTree: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if files["main.py"] != "main\n" {
		t.Fatalf("main.py = %q", files["main.py"])
	}
	// Paths are slash-separated regardless of OS.
	if files["lib/util.py"] != "util\n" {
		t.Fatalf("lib/util.py = %q", files["lib/util.py"])
	}
}
