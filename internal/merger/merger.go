// Package merger consumes the merge queue single-threaded and runs the
// 4-tier conflict resolution ladder: clean merge, rebase+retry, fix task,
// redo task.
package merger

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

// branchPattern and prURLPattern bound what the merger will ever pass to
// a subprocess argument vector: no characters a shell or CLI flag parser
// could reinterpret.
var (
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,200}$`)
	prURLPattern  = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9._-]+/[A-Za-z0-9._-]+/pull/\d+$`)
)

// DefaultInterval is how often the merger polls the queue when not
// configured otherwise.
const DefaultInterval = 3 * time.Second

// Config tunes the merger's retry behavior.
type Config struct {
	Interval          time.Duration
	RebaseMaxTries    uint
	RequireValidation bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RebaseMaxTries <= 0 {
		c.RebaseMaxTries = 3
	}
}

// Merger drains the merge queue one entry at a time.
type Merger struct {
	store    *store.Store
	mailBus  *mail.Bus
	eventBus *events.Bus
	exec     git.Executor
	cfg      Config

	mu         sync.Mutex
	processing bool
}

// New constructs a Merger.
func New(s *store.Store, m *mail.Bus, eb *events.Bus, exec git.Executor, cfg Config) *Merger {
	cfg.applyDefaults()
	return &Merger{store: s, mailBus: m, eventBus: eb, exec: exec, cfg: cfg}
}

// Run ticks every cfg.Interval until ctx is cancelled.
func (m *Merger) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				log.ErrorErr(log.CatMerger, "tick failed", err)
			}
		}
	}
}

// Tick processes at most one queue entry, guarded by an in-memory flag so
// overlapping ticks never run concurrently.
func (m *Merger) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return nil
	}
	m.processing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.processing = false
		m.mu.Unlock()
	}()

	entry, err := m.store.GetNextMerge()
	if err != nil {
		return fmt.Errorf("fetching next merge: %w", err)
	}
	if entry == nil {
		return nil
	}

	return m.resolve(ctx, entry)
}

// resolve validates entry, then runs the tier ladder until one tier
// succeeds or the ladder is exhausted.
func (m *Merger) resolve(ctx context.Context, entry *store.MergeQueueEntry) error {
	if !branchPattern.MatchString(entry.Branch) || !prURLPattern.MatchString(entry.PRURL) {
		return m.markFailed(entry, "branch or PR URL failed validation")
	}

	if m.cfg.RequireValidation {
		if err := m.runTaskValidation(entry.TaskID); err != nil {
			return m.markFailed(entry, fmt.Sprintf("validation failed: %s", err))
		}
	}

	merging := store.MergeMerging
	if err := m.store.UpdateMergeQueueEntry(entry.ID, store.MergeQueueUpdate{Status: &merging}); err != nil {
		return fmt.Errorf("marking entry merging: %w", err)
	}

	if err := m.tier1(entry); err == nil {
		return m.markMerged(entry)
	}

	if err := m.tier2(ctx, entry); err == nil {
		return m.markMerged(entry)
	}

	log.Warn(log.CatMerger, "tier 1/2 exhausted, escalating", "request_id", entry.RequestID, "task_id", entry.TaskID)

	if m.hasPendingFixForTask(entry.TaskID) {
		return m.tier4(entry)
	}
	return m.tier3(entry)
}

// runTaskValidation runs a task's build/test/lint commands, if any, in
// the coordinator's working directory, gated by cfg.RequireValidation
// (the `merge_validation` config key). A task with no Validation
// descriptor passes trivially. Commands are operator-authored (the
// task's own validation descriptor, not externally supplied branch/PR
// input), so they run through a shell rather than an argument vector.
func (m *Merger) runTaskValidation(taskID int) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if task.Validation == nil {
		return nil
	}

	for name, cmd := range map[string]string{
		"build": task.Validation.Build,
		"test":  task.Validation.Test,
		"lint":  task.Validation.Lint,
	} {
		if cmd == "" {
			continue
		}
		//nolint:gosec // G204: cmd is an operator-authored validation command from the task descriptor, not untrusted input
		if out, err := exec.Command("sh", "-c", cmd).CombinedOutput(); err != nil {
			return fmt.Errorf("%s command %q: %w: %s", name, cmd, err, out)
		}
	}
	return nil
}

// tier1 attempts the clean host-CLI merge.
func (m *Merger) tier1(entry *store.MergeQueueEntry) error {
	return m.exec.MergeBranch(entry.Branch)
}

// tier2 fetches main, rebases the branch onto it, and retries the merge
// under an exponential backoff.
func (m *Merger) tier2(ctx context.Context, entry *store.MergeQueueEntry) error {
	op := func() (struct{}, error) {
		if err := m.exec.FetchMain(); err != nil {
			return struct{}{}, err
		}
		if err := m.exec.RebaseOnto(entry.Branch, "main"); err != nil {
			return struct{}{}, err
		}
		if err := m.exec.PushForceWithLease(entry.Branch); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, m.exec.MergeBranch(entry.Branch)
	}

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(m.cfg.RebaseMaxTries))
	return err
}

// tier3 marks the original queue entry as conflict, not merged, and
// creates a fix task.
func (m *Merger) tier3(entry *store.MergeQueueEntry) error {
	conflict := store.MergeConflict
	errMsg := "tier1/2 merge failed; fix task created"
	if err := m.store.UpdateMergeQueueEntry(entry.ID, store.MergeQueueUpdate{Status: &conflict, Error: &errMsg}); err != nil {
		return fmt.Errorf("marking entry conflict: %w", err)
	}

	fixTask, err := m.store.CreateTask(store.NewTask{
		RequestID:   entry.RequestID,
		Subject:     fmt.Sprintf(fixTaskSubjectPrefix+"%d", entry.TaskID),
		Description: fmt.Sprintf("Task #%d's branch %s failed to merge cleanly. Resolve the conflict and resubmit.", entry.TaskID, entry.Branch),
		Priority:    store.PriorityHigh,
		Tier:        2,
	})
	if err != nil {
		return fmt.Errorf("creating fix task: %w", err)
	}

	m.notifyConflict(entry, fixTask.ID, 3)
	return nil
}

// tier4 fires when a prior fix task for this same original task also
// failed to merge: marks the entry conflict again and creates a redo
// task instead of another fix, to avoid looping forever on one fix.
func (m *Merger) tier4(entry *store.MergeQueueEntry) error {
	conflict := store.MergeConflict
	errMsg := "Needs reimplementation on latest main"
	if err := m.store.UpdateMergeQueueEntry(entry.ID, store.MergeQueueUpdate{Status: &conflict, Error: &errMsg}); err != nil {
		return fmt.Errorf("marking entry conflict: %w", err)
	}

	original, err := m.store.GetTask(entry.TaskID)
	if err != nil {
		return fmt.Errorf("loading original task: %w", err)
	}

	redoTask, err := m.store.CreateTask(store.NewTask{
		RequestID:   entry.RequestID,
		Subject:     fmt.Sprintf("redo task #%d from scratch", entry.TaskID),
		Description: original.Description,
		Files:       original.Files,
		Priority:    store.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("creating redo task: %w", err)
	}

	m.notifyConflict(entry, redoTask.ID, 4)
	return nil
}

// fixTaskSubjectPrefix is the subject tier3 gives every fix task it
// creates; used to recognize, without a dedicated lineage column, that a
// failing task is itself already a fix for an earlier conflict.
const fixTaskSubjectPrefix = "fix merge conflict for task #"

// hasPendingFixForTask reports whether taskID is itself a fix task created
// by an earlier tier3 escalation, which means this failure is the fix's
// own conflict and tier4 (redo from scratch) applies instead of tier3
// (create another fix).
func (m *Merger) hasPendingFixForTask(taskID int) bool {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		log.ErrorErr(log.CatMerger, "loading task for tier decision", err, "task_id", taskID)
		return false
	}
	return strings.HasPrefix(task.Subject, fixTaskSubjectPrefix)
}

func (m *Merger) markMerged(entry *store.MergeQueueEntry) error {
	merged := store.MergeMerged
	now := time.Now().UTC()
	if err := m.store.UpdateMergeQueueEntry(entry.ID, store.MergeQueueUpdate{Status: &merged, MergedAt: &now}); err != nil {
		return fmt.Errorf("marking entry merged: %w", err)
	}

	if err := m.exec.DeleteBranch(entry.Branch); err != nil {
		log.Warn(log.CatMerger, "branch delete failed after merge", "branch", entry.Branch, "error", err.Error())
	}

	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{Kind: events.KindMergeSucceeded, RequestID: entry.RequestID, TaskID: entry.TaskID, At: time.Now()})
	}

	payload, _ := json.Marshal(mail.MergeSucceededPayload{RequestID: entry.RequestID, TaskID: entry.TaskID, PRURL: entry.PRURL})
	if _, err := m.mailBus.Send("architect", store.MailMergeSucceeded, payload); err != nil {
		log.ErrorErr(log.CatMerger, "failed to send merge-succeeded mail", err)
	}

	m.checkRequestCompletion(entry.RequestID)
	return nil
}

func (m *Merger) markFailed(entry *store.MergeQueueEntry, reason string) error {
	failed := store.MergeFailed
	return m.store.UpdateMergeQueueEntry(entry.ID, store.MergeQueueUpdate{Status: &failed, Error: &reason})
}

func (m *Merger) notifyConflict(entry *store.MergeQueueEntry, fixTaskID, tier int) {
	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{Kind: events.KindMergeConflict, RequestID: entry.RequestID, TaskID: entry.TaskID, At: time.Now()})
	}
	payload, _ := json.Marshal(mail.MergeConflictPayload{
		RequestID: entry.RequestID,
		TaskID:    entry.TaskID,
		FixTaskID: fixTaskID,
		Tier:      tier,
		Branch:    entry.Branch,
	})
	if _, err := m.mailBus.Send("architect", store.MailMergeConflict, payload); err != nil {
		log.ErrorErr(log.CatMerger, "failed to send merge-conflict mail", err)
	}
}

// checkRequestCompletion treats a failed task as resolved for the task
// scan, but a failed task never produces a merge-queue entry, so the two
// scans (tasks resolved, merges landed) stay orthogonal. A request where
// every task failed has no merge-queue entries to wait on and goes
// straight to failed; otherwise the request waits for every
// non-conflict, non-failed queue entry to reach merged (conflict entries
// are excluded from this scan since the fix task's own new entry is what
// will actually complete later).
func (m *Merger) checkRequestCompletion(requestID string) {
	tasks, err := m.store.ListTasks(store.TaskFilter{RequestID: &requestID})
	if err != nil {
		log.ErrorErr(log.CatMerger, "listing tasks for completion check", err, "request_id", requestID)
		return
	}

	anyCompleted := false
	for _, t := range tasks {
		if t.Status != store.TaskCompleted && t.Status != store.TaskFailed {
			return // not every task resolved yet
		}
		if t.Status == store.TaskCompleted {
			anyCompleted = true
		}
	}

	if !anyCompleted {
		failed := store.RequestFailed
		if err := m.store.UpdateRequest(requestID, store.RequestUpdate{Status: &failed}); err != nil {
			log.ErrorErr(log.CatMerger, "marking request failed", err, "request_id", requestID)
		}
		return
	}

	entries, err := m.store.ListMergeQueueByRequest(requestID)
	if err != nil {
		log.ErrorErr(log.CatMerger, "listing merge queue for completion check", err, "request_id", requestID)
		return
	}
	for _, e := range entries {
		if e.Status != store.MergeMerged && e.Status != store.MergeConflict && e.Status != store.MergeFailed {
			return // an entry is still in flight
		}
	}

	completed := store.RequestCompleted
	now := time.Now().UTC()
	if err := m.store.UpdateRequest(requestID, store.RequestUpdate{Status: &completed, CompletedAt: &now}); err != nil {
		log.ErrorErr(log.CatMerger, "marking request completed", err, "request_id", requestID)
		return
	}

	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{Kind: events.KindRequestCompleted, RequestID: requestID, At: time.Now()})
	}
	payload, _ := json.Marshal(mail.RequestCompletedPayload{RequestID: requestID})
	if _, err := m.mailBus.Send("master-1", store.MailRequestCompleted, payload); err != nil {
		log.ErrorErr(log.CatMerger, "failed to send request-completed mail", err)
	}
}
