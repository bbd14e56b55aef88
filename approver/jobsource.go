package approver

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Job is one reviewable unit of submitted work.
type Job interface {
	ID() string
	Name() string
	Description() string
	Tags() []string
	RequesterEmail() string
	CreatedAt() time.Time
	// Approve transitions the job to approved with the given reason.
	Approve(reason string) error
}

// ReviewDataProvider is an optional capability: the job carries pre-assembled
// review data including its code files.
type ReviewDataProvider interface {
	ReviewData() (map[string]string, error)
}

// FileLister is an optional capability: the job can enumerate and read its
// own files.
type FileLister interface {
	ListFiles() ([]string, error)
	ReadFile(path string) ([]byte, error)
}

// CodeDirProvider is an optional capability: the job's code lives in a
// directory on the local filesystem.
type CodeDirProvider interface {
	CodeDir() (string, error)
}

// JobSource exposes the queue of jobs under review.
type JobSource interface {
	// Pending returns jobs awaiting a decision.
	Pending() ([]Job, error)
	// CompletedApproved returns jobs this operator approved that have since
	// run to completion.
	CompletedApproved() ([]Job, error)
}

// Identity identifies the operator this process acts for.
type Identity interface {
	Email() string
}

// StaticIdentity is a fixed operator email.
type StaticIdentity string

func (s StaticIdentity) Email() string { return string(s) }

type extractionStrategy struct {
	name    string
	extract func(job Job) (map[string]string, bool, error)
}

// Code extraction tries richer capabilities first and falls through on any
// failure. Extraction never fails a job outright: the terminal fallback is an
// empty file map, which still yields a valid (if rarely matched) signature.
var extractionStrategies = []extractionStrategy{
	{
		name: "review_data",
		extract: func(job Job) (map[string]string, bool, error) {
			p, ok := job.(ReviewDataProvider)
			if !ok {
				return nil, false, nil
			}
			files, err := p.ReviewData()
			if err != nil {
				return nil, true, err
			}
			return files, true, nil
		},
	},
	{
		name: "list_and_read",
		extract: func(job Job) (map[string]string, bool, error) {
			l, ok := job.(FileLister)
			if !ok {
				return nil, false, nil
			}
			paths, err := l.ListFiles()
			if err != nil {
				return nil, true, err
			}
			files := make(map[string]string, len(paths))
			for _, p := range paths {
				data, err := l.ReadFile(p)
				if err != nil {
					// Partial extraction: unreadable files are skipped, not fatal.
					continue
				}
				files[filepath.ToSlash(p)] = string(data)
			}
			return files, true, nil
		},
	},
	{
		name: "code_dir",
		extract: func(job Job) (map[string]string, bool, error) {
			d, ok := job.(CodeDirProvider)
			if !ok {
				return nil, false, nil
			}
			dir, err := d.CodeDir()
			if err != nil {
				return nil, true, err
			}
			files, err := readCodeTree(dir)
			if err != nil {
				return nil, true, err
			}
			return files, true, nil
		},
	},
}

// ExtractContent builds the canonical content of a job, trying each code
// extraction capability in order of fidelity.
func ExtractContent(job Job, logger *slog.Logger) JobContent {
	content := JobContent{
		JobID:          job.ID(),
		Name:           job.Name(),
		Description:    job.Description(),
		Tags:           job.Tags(),
		RequesterEmail: job.RequesterEmail(),
		CreatedAt:      job.CreatedAt(),
		CodeFiles:      map[string]string{},
	}
	for _, strategy := range extractionStrategies {
		files, applicable, err := strategy.extract(job)
		if !applicable {
			continue
		}
		if err != nil {
			logger.Debug("code extraction strategy failed", "strategy", strategy.name, "job", job.ID(), "error", err)
			continue
		}
		if files == nil {
			files = map[string]string{}
		}
		content.CodeFiles = files
		return content
	}
	logger.Debug("no code extraction strategy applied", "job", job.ID())
	return content
}

// readCodeTree reads every regular file under dir into a map keyed by
// slash-separated path relative to dir.
func readCodeTree(dir string) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
