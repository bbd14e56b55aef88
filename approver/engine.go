package approver

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EngineConfig holds the cadences of the reconciliation loop. Zero values are
// replaced with defaults.
type EngineConfig struct {
	// CycleInterval is how often pending jobs are evaluated.
	CycleInterval time.Duration
	// AllowlistRefresh is how often the allowlist snapshot is reloaded.
	AllowlistRefresh time.Duration
	// CompletedCheck is how often completed approved jobs are captured into
	// history.
	CompletedCheck time.Duration
	// IgnoredGC is how often ignored-job ids no longer pending are dropped.
	IgnoredGC time.Duration
	// RetentionKeepDays bounds the decision log age. <= 0 keeps everything.
	RetentionKeepDays int
	// RetentionInterval is how often old decisions are pruned.
	RetentionInterval time.Duration
	// NotifyTimeout bounds each decision notification attempt.
	NotifyTimeout time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Second
	}
	if c.AllowlistRefresh <= 0 {
		c.AllowlistRefresh = 30 * time.Second
	}
	if c.CompletedCheck <= 0 {
		c.CompletedCheck = 10 * time.Second
	}
	if c.IgnoredGC <= 0 {
		c.IgnoredGC = 5 * time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 24 * time.Hour
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 3 * time.Second
	}
}

// Engine is the reconciliation loop: it polls pending jobs and auto-approves
// those from allowlisted senders or matching a trusted code pattern. Jobs
// that match neither are ignored once per allowlist epoch, so operators see
// exactly one ignore decision per job until the trust configuration changes.
type Engine struct {
	cfg      EngineConfig
	source   JobSource
	allow    *Allowlist
	trusted  *TrustedCode
	history  *History
	notifier Notifier
	logger   *slog.Logger

	// allowlistSnapshot is the sender set frozen at the last refresh.
	// Evaluation always reads the snapshot, never the live store, so every
	// job in one cycle sees the same allowlist.
	allowlistSnapshot map[string]struct{}
	// processed holds ids of completed jobs already captured into history.
	processed map[string]struct{}
	// ignored holds ids of pending jobs already given an ignore decision in
	// the current allowlist epoch.
	ignored map[string]struct{}
}

func NewEngine(cfg EngineConfig, source JobSource, allow *Allowlist, trusted *TrustedCode, history *History, notifier Notifier, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:               cfg,
		source:            source,
		allow:             allow,
		trusted:           trusted,
		history:           history,
		notifier:          notifier,
		logger:            logger,
		allowlistSnapshot: map[string]struct{}{},
		processed:         map[string]struct{}{},
		ignored:           map[string]struct{}{},
	}
}

// Run drives the loop until ctx is done. Each maintenance task has its own
// ticker but all work happens on this one goroutine, so steps never overlap
// and no locking is needed on engine state.
func (e *Engine) Run(ctx context.Context) error {
	e.runStep("allowlist_refresh", e.refreshAllowlist)

	cycle := time.NewTicker(e.cfg.CycleInterval)
	defer cycle.Stop()
	refresh := time.NewTicker(e.cfg.AllowlistRefresh)
	defer refresh.Stop()
	completed := time.NewTicker(e.cfg.CompletedCheck)
	defer completed.Stop()
	gc := time.NewTicker(e.cfg.IgnoredGC)
	defer gc.Stop()
	retention := time.NewTicker(e.cfg.RetentionInterval)
	defer retention.Stop()

	e.logger.Info("decision engine started",
		"cycle_interval", e.cfg.CycleInterval,
		"allowlist_refresh", e.cfg.AllowlistRefresh,
		"completed_check", e.cfg.CompletedCheck)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("decision engine stopping")
			return ctx.Err()
		case <-refresh.C:
			e.runStep("allowlist_refresh", e.refreshAllowlist)
		case <-completed.C:
			e.runStep("capture_completed", e.captureCompleted)
		case <-gc.C:
			e.runStep("ignored_gc", e.gcIgnored)
		case <-retention.C:
			e.runStep("decision_retention", e.pruneDecisions)
		case <-cycle.C:
			e.runStep("evaluate_pending", e.evaluatePending)
		}
	}
}

// RunOnce performs a single full reconciliation pass.
func (e *Engine) RunOnce() error {
	if err := e.refreshAllowlist(); err != nil {
		return err
	}
	if err := e.captureCompleted(); err != nil {
		return err
	}
	return e.evaluatePending()
}

// runStep isolates one maintenance task: errors are logged, panics are
// contained, and the loop keeps its cadence either way.
func (e *Engine) runStep(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		e.logger.Error("step failed", "step", name, "error", err)
	}
}

// refreshAllowlist reloads the sender snapshot. The ignored set is cleared
// only when the snapshot actually changed: a new allowlist epoch means every
// still-pending job deserves re-evaluation and, if still untrusted, a fresh
// ignore decision.
func (e *Engine) refreshAllowlist() error {
	emails, err := e.allow.List()
	if err != nil {
		return fmt.Errorf("refresh allowlist: %w", err)
	}
	next := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		next[email] = struct{}{}
	}
	if sameSet(e.allowlistSnapshot, next) {
		return nil
	}
	e.logger.Info("allowlist changed, starting new epoch", "senders", len(next), "ignored_reset", len(e.ignored))
	e.allowlistSnapshot = next
	e.ignored = map[string]struct{}{}
	return nil
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// captureCompleted stores completed approved jobs into history so their
// signatures become markable as trusted patterns.
func (e *Engine) captureCompleted() error {
	jobs, err := e.source.CompletedApproved()
	if err != nil {
		return fmt.Errorf("list completed jobs: %w", err)
	}
	for _, job := range jobs {
		if _, ok := e.processed[job.ID()]; ok {
			continue
		}
		content := ExtractContent(job, e.logger)
		record, err := e.history.Append(content)
		if err != nil {
			e.logger.Error("failed to capture completed job", "job", job.ID(), "error", err)
			continue
		}
		e.processed[job.ID()] = struct{}{}
		e.logger.Info("captured completed job", "job", job.ID(), "name", job.Name(), "signature", shortSignature(record.Signature))
	}
	return nil
}

// gcIgnored drops ignored ids for jobs no longer pending so the set does not
// grow without bound across a long-lived epoch.
func (e *Engine) gcIgnored() error {
	if len(e.ignored) == 0 {
		return nil
	}
	jobs, err := e.source.Pending()
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	pending := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		pending[job.ID()] = struct{}{}
	}
	before := len(e.ignored)
	for id := range e.ignored {
		if _, ok := pending[id]; !ok {
			delete(e.ignored, id)
		}
	}
	if dropped := before - len(e.ignored); dropped > 0 {
		e.logger.Debug("dropped ignored ids no longer pending", "count", dropped)
	}
	return nil
}

func (e *Engine) pruneDecisions() error {
	removed, err := e.history.PruneDecisions(e.cfg.RetentionKeepDays)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("pruned old decision records", "removed", removed, "keep_days", e.cfg.RetentionKeepDays)
	}
	return nil
}

func (e *Engine) evaluatePending() error {
	jobs, err := e.source.Pending()
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range jobs {
		e.evaluateJob(job)
	}
	return nil
}

func (e *Engine) evaluateJob(job Job) {
	sender := NormalizeEmail(job.RequesterEmail())
	if _, ok := e.allowlistSnapshot[sender]; ok {
		e.approve(job, fmt.Sprintf("trusted sender (%s)", sender), "")
		return
	}

	content := ExtractContent(job, e.logger)
	pattern, err := e.trusted.Matches(content)
	if err != nil {
		e.logger.Error("trusted code check failed", "job", job.ID(), "error", err)
		return
	}
	if pattern != nil {
		e.approve(job, fmt.Sprintf("trusted code pattern (signature: %s...)", shortSignature(pattern.Signature)), pattern.Signature)
		return
	}

	if _, ok := e.ignored[job.ID()]; ok {
		return
	}
	_, err = e.history.RecordDecision(DecisionRecord{
		JobID:   job.ID(),
		JobName: job.Name(),
		Action:  ActionIgnore,
		Reason:  "no matching trust rule",
	})
	if err != nil {
		// Not marked ignored: the record is retried next cycle.
		e.logger.Error("failed to record ignore decision", "job", job.ID(), "error", err)
		return
	}
	e.ignored[job.ID()] = struct{}{}
	e.logger.Info("ignored untrusted job", "job", job.ID(), "name", job.Name(), "requester", sender)
}

func (e *Engine) approve(job Job, reason, signature string) {
	message := fmt.Sprintf("Auto-approved (%s) at %s", reason, time.Now().UTC().Format(time.RFC3339))
	err := job.Approve(message)

	decision := DecisionRecord{
		JobID:     job.ID(),
		JobName:   job.Name(),
		Signature: signature,
		Action:    ActionApprove,
		Reason:    reason,
		Metadata:  map[string]any{"success": true},
	}
	if err != nil {
		decision.Action = ActionFailedApproval
		decision.Metadata = map[string]any{"success": false, "error": err.Error()}
		e.logger.Error("approval failed", "job", job.ID(), "name", job.Name(), "error", err)
	} else {
		e.logger.Info("auto-approved job", "job", job.ID(), "name", job.Name(), "reason", reason)
	}

	recorded, recErr := e.history.RecordDecision(decision)
	if recErr != nil {
		e.logger.Error("failed to record approval decision", "job", job.ID(), "error", recErr)
		return
	}
	if e.notifier != nil {
		if nErr := e.notifier.NotifyDecision(recorded, e.cfg.NotifyTimeout); nErr != nil {
			e.logger.Warn("decision notification failed", "job", job.ID(), "error", nErr)
		}
	}
}
