package approver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// History persists completed job snapshots and the append-only decision log.
// Job snapshots are keyed by content signature, so re-running an identical
// job overwrites the same record. Decision records get a fresh unique key on
// every append and are never overwritten.
type History struct {
	jobs      Collection
	decisions Collection
	logger    *slog.Logger
}

func NewHistory(store Store, logger *slog.Logger) *History {
	return &History{
		jobs:      store.Collection(collectionHistory),
		decisions: store.Collection(collectionDecisions),
		logger:    logger,
	}
}

// Append stores a completed job snapshot keyed by its content signature and
// returns the record. Appending content with a signature already on file
// overwrites the existing snapshot, so the call is idempotent.
func (h *History) Append(content JobContent) (JobHistoryRecord, error) {
	sig, err := Signature(content)
	if err != nil {
		return JobHistoryRecord{}, fmt.Errorf("compute signature: %w", err)
	}
	record := JobHistoryRecord{
		Signature:      sig,
		Name:           content.Name,
		Description:    content.Description,
		Tags:           content.Tags,
		RequesterEmail: content.RequesterEmail,
		CodeFiles:      content.CodeFiles,
		Status:         "completed",
		CreatedAt:      content.CreatedAt,
		StoredAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return JobHistoryRecord{}, fmt.Errorf("encode history record: %w", err)
	}
	if err := h.jobs.Put(sig, data); err != nil {
		return JobHistoryRecord{}, fmt.Errorf("store history record: %w", err)
	}
	return record, nil
}

// Get returns the history record for a signature, or ErrNotFound.
func (h *History) Get(signature string) (JobHistoryRecord, error) {
	rec, err := h.jobs.Get(signature)
	if err != nil {
		return JobHistoryRecord{}, err
	}
	var record JobHistoryRecord
	if err := json.Unmarshal(rec.Data, &record); err != nil {
		return JobHistoryRecord{}, fmt.Errorf("decode history record %s: %w", shortSignature(signature), err)
	}
	return record, nil
}

// List returns history records, most recently stored first, up to limit.
// A limit <= 0 returns all records.
func (h *History) List(limit int) ([]JobHistoryRecord, error) {
	records, err := h.jobs.List()
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]JobHistoryRecord, 0, len(records))
	for _, rec := range records {
		var record JobHistoryRecord
		if err := json.Unmarshal(rec.Data, &record); err != nil {
			h.logger.Warn("skipping unreadable history record", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StoredAt.After(out[j].StoredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordDecision appends a decision to the log. Decisions are never
// deduplicated: the same job evaluated in different epochs produces distinct
// entries.
func (h *History) RecordDecision(decision DecisionRecord) (DecisionRecord, error) {
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("encode decision: %w", err)
	}
	if err := h.decisions.Put(decision.ID, data); err != nil {
		return DecisionRecord{}, fmt.Errorf("store decision: %w", err)
	}
	return decision, nil
}

// Decisions returns decision records, most recent first, up to limit. A limit
// <= 0 returns all records.
func (h *History) Decisions(limit int) ([]DecisionRecord, error) {
	records, err := h.decisions.List()
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	out := make([]DecisionRecord, 0, len(records))
	for _, rec := range records {
		var d DecisionRecord
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			h.logger.Warn("skipping unreadable decision record", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneDecisions removes decision records older than keepDays and returns how
// many were removed. keepDays <= 0 disables pruning.
func (h *History) PruneDecisions(keepDays int) (int, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	records, err := h.decisions.List()
	if err != nil {
		return 0, fmt.Errorf("list decisions: %w", err)
	}
	removed := 0
	for _, rec := range records {
		ts := rec.StoredAt
		var d DecisionRecord
		if err := json.Unmarshal(rec.Data, &d); err == nil && !d.Timestamp.IsZero() {
			ts = d.Timestamp
		}
		if !ts.Before(cutoff) {
			continue
		}
		ok, err := h.decisions.Delete(rec.Key)
		if err != nil {
			return removed, fmt.Errorf("prune decision %s: %w", rec.Key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
