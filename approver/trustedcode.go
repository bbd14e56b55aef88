package approver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// TrustedCode manages content-addressed trusted code patterns. A pattern is
// keyed by the signature of the job content it was captured from; any future
// job whose content produces the same signature is considered trusted.
type TrustedCode struct {
	records Collection
	history *History
	logger  *slog.Logger
}

func NewTrustedCode(store Store, history *History, logger *slog.Logger) *TrustedCode {
	return &TrustedCode{
		records: store.Collection(collectionTrustedCode),
		history: history,
		logger:  logger,
	}
}

// List returns all trusted patterns, most recently marked first.
func (t *TrustedCode) List() ([]TrustedCodePattern, error) {
	records, err := t.records.List()
	if err != nil {
		return nil, fmt.Errorf("list trusted code: %w", err)
	}
	patterns := make([]TrustedCodePattern, 0, len(records))
	for _, rec := range records {
		var p TrustedCodePattern
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			t.logger.Warn("skipping unreadable trusted code record", "key", rec.Key, "error", err)
			continue
		}
		patterns = append(patterns, p)
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].MarkedAt.After(patterns[j].MarkedAt)
	})
	return patterns, nil
}

// Mark promotes the history record with the given signature into a trusted
// pattern. The signature must refer to a previously completed job; marking an
// unknown signature returns ErrNotFound.
func (t *TrustedCode) Mark(signature string) (TrustedCodePattern, error) {
	hist, err := t.history.Get(signature)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TrustedCodePattern{}, fmt.Errorf("no completed job with signature %s: %w", shortSignature(signature), ErrNotFound)
		}
		return TrustedCodePattern{}, err
	}
	pattern := TrustedCodePattern{
		Signature:      hist.Signature,
		Name:           hist.Name,
		Description:    hist.Description,
		Tags:           hist.Tags,
		RequesterEmail: hist.RequesterEmail,
		CodeFiles:      hist.CodeFiles,
		CreatedAt:      hist.CreatedAt,
		MarkedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(pattern)
	if err != nil {
		return TrustedCodePattern{}, fmt.Errorf("encode trusted pattern: %w", err)
	}
	if err := t.records.Put(pattern.Signature, data); err != nil {
		return TrustedCodePattern{}, fmt.Errorf("store trusted pattern: %w", err)
	}
	t.logger.Info("marked code pattern as trusted", "signature", shortSignature(pattern.Signature), "name", pattern.Name)
	return pattern, nil
}

// Unmark removes a trusted pattern. Unmarking an absent signature is not an
// error.
func (t *TrustedCode) Unmark(signature string) error {
	removed, err := t.records.Delete(signature)
	if err != nil {
		return fmt.Errorf("remove trusted pattern: %w", err)
	}
	if !removed {
		t.logger.Warn("trusted pattern already absent", "signature", shortSignature(signature))
	}
	return nil
}

// Matches recomputes the signature of content and returns the trusted pattern
// with exactly that signature, or nil when none exists. There is no partial or
// fuzzy matching: a single changed byte in any code file yields no match.
func (t *TrustedCode) Matches(content JobContent) (*TrustedCodePattern, error) {
	sig, err := Signature(content)
	if err != nil {
		return nil, fmt.Errorf("compute signature: %w", err)
	}
	rec, err := t.records.Get(sig)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var pattern TrustedCodePattern
	if err := json.Unmarshal(rec.Data, &pattern); err != nil {
		return nil, fmt.Errorf("decode trusted pattern %s: %w", shortSignature(sig), err)
	}
	return &pattern, nil
}
