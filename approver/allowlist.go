package approver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Allowlist manages the set of trusted sender emails. Each entry is its own
// record so entries can be added and removed independently.
type Allowlist struct {
	records      Collection
	defaultEmail string
	logger       *slog.Logger
}

func NewAllowlist(store Store, defaultEmail string, logger *slog.Logger) *Allowlist {
	return &Allowlist{
		records:      store.Collection(collectionAllowlist),
		defaultEmail: NormalizeEmail(defaultEmail),
		logger:       logger,
	}
}

// NormalizeEmail folds an email to its canonical comparison form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailKey maps an email to a key safe to use as a filename.
func emailKey(email string) string {
	var b strings.Builder
	for _, r := range NormalizeEmail(email) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '@' || r == '.' || r == '-' || r == '_' || r == '+':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// List returns all allowlisted emails sorted alphabetically. On first use it
// seeds the configured default sender so a fresh deployment starts with at
// least one trusted sender already persisted.
func (a *Allowlist) List() ([]string, error) {
	records, err := a.records.List()
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	if len(records) == 0 && a.defaultEmail != "" {
		if err := a.Add(a.defaultEmail); err != nil {
			return nil, fmt.Errorf("seed default sender: %w", err)
		}
		a.logger.Info("seeded allowlist with default sender", "email", a.defaultEmail)
		return []string{a.defaultEmail}, nil
	}
	emails := make([]string, 0, len(records))
	for _, rec := range records {
		var entry AllowlistEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			a.logger.Warn("skipping unreadable allowlist record", "key", rec.Key, "error", err)
			continue
		}
		emails = append(emails, NormalizeEmail(entry.Email))
	}
	sort.Strings(emails)
	return emails, nil
}

// Contains reports whether email is allowlisted.
func (a *Allowlist) Contains(email string) (bool, error) {
	emails, err := a.List()
	if err != nil {
		return false, err
	}
	needle := NormalizeEmail(email)
	for _, e := range emails {
		if e == needle {
			return true, nil
		}
	}
	return false, nil
}

// Add persists email as a trusted sender. Adding an existing email keeps the
// original added_at timestamp.
func (a *Allowlist) Add(email string) error {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return fmt.Errorf("empty email")
	}
	key := emailKey(normalized)
	if _, err := a.records.Get(key); err == nil {
		return nil
	}
	entry := AllowlistEntry{Email: normalized, AddedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode allowlist entry: %w", err)
	}
	if err := a.records.Put(key, data); err != nil {
		return fmt.Errorf("store allowlist entry: %w", err)
	}
	return nil
}

// Remove deletes email from the allowlist. Removing an absent email is not an
// error.
func (a *Allowlist) Remove(email string) error {
	removed, err := a.records.Delete(emailKey(email))
	if err != nil {
		return fmt.Errorf("remove allowlist entry: %w", err)
	}
	if !removed {
		a.logger.Debug("allowlist entry already absent", "email", NormalizeEmail(email))
	}
	return nil
}
