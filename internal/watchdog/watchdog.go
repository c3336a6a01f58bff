// Package watchdog periodically checks worker liveness and heartbeat
// freshness, escalating through warn/nudge/triage/terminate tiers, and
// runs an hourly maintenance pass purging stale mail and activity log
// rows.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/supervisor"
)

// Config holds the watchdog's tunable thresholds, all defaulted
// sensibly when left zero.
type Config struct {
	Interval              time.Duration
	LaunchGrace           time.Duration
	WarnAfter             time.Duration
	NudgeAfter            time.Duration
	TriageAfter           time.Duration
	TerminateAfter        time.Duration
	CompletedTaskReset    time.Duration
	StaleClaimAfter       time.Duration
	MaintenanceInterval   time.Duration
	MailRetentionDays     int
	ActivityRetentionDays int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.LaunchGrace <= 0 {
		c.LaunchGrace = 60 * time.Second
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = 60 * time.Second
	}
	if c.NudgeAfter <= 0 {
		c.NudgeAfter = 90 * time.Second
	}
	if c.TriageAfter <= 0 {
		c.TriageAfter = 120 * time.Second
	}
	if c.TerminateAfter <= 0 {
		c.TerminateAfter = 180 * time.Second
	}
	if c.CompletedTaskReset <= 0 {
		c.CompletedTaskReset = 30 * time.Second
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 120 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.MailRetentionDays <= 0 {
		c.MailRetentionDays = 7
	}
	if c.ActivityRetentionDays <= 0 {
		c.ActivityRetentionDays = 30
	}
}

// Watchdog is the periodic liveness/heartbeat monitor.
type Watchdog struct {
	store      *store.Store
	mailBus    *mail.Bus
	eventBus   *events.Bus
	supervisor supervisor.Supervisor
	cfg        Config
	lastMaint  time.Time
}

// New constructs a Watchdog.
func New(s *store.Store, m *mail.Bus, eb *events.Bus, sup supervisor.Supervisor, cfg Config) *Watchdog {
	cfg.applyDefaults()
	return &Watchdog{store: s, mailBus: m, eventBus: eb, supervisor: sup, cfg: cfg}
}

// Run ticks every cfg.Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := w.Tick(now); err != nil {
				log.ErrorErr(log.CatWatchdog, "tick failed", err)
			}
		}
	}
}

// Tick runs one liveness/heartbeat pass, and the hourly maintenance pass
// if due.
func (w *Watchdog) Tick(now time.Time) error {
	workers, err := w.store.ListAll()
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}

	for _, wk := range workers {
		w.checkWorker(now, wk)
	}

	if w.lastMaint.IsZero() || now.Sub(w.lastMaint) >= w.cfg.MaintenanceInterval {
		w.runMaintenance()
		w.lastMaint = now
	}

	return nil
}

// checkWorker applies death detection, stale-claim cleanup,
// completed-task auto-reset, and heartbeat escalation to one worker.
func (w *Watchdog) checkWorker(now time.Time, wk *store.Worker) {
	switch wk.Status {
	case store.WorkerAssigned, store.WorkerRunning, store.WorkerBusy:
		w.checkLiveness(now, wk)
		if wk.Status != store.WorkerAssigned {
			w.checkHeartbeat(now, wk)
		}
	case store.WorkerCompletedTask:
		w.checkCompletedTaskReset(now, wk)
	}

	if wk.Status == store.WorkerIdle && wk.ClaimedBy != nil {
		w.checkStaleClaim(now, wk)
	}
}

// checkLiveness handles the death path: a live-window worker whose OS
// process has exited gets its task requeued.
func (w *Watchdog) checkLiveness(now time.Time, wk *store.Worker) {
	if w.supervisor == nil || !w.supervisor.HasWindow(wk.ID) {
		return // never spawned, or allocator hasn't spawned it yet - grace period covers this
	}
	if wk.LaunchedAt != nil && now.Sub(*wk.LaunchedAt) < w.cfg.LaunchGrace {
		return
	}
	if w.supervisor.IsAlive(wk.ID) {
		return
	}

	w.handleDeath(wk)
}

func (w *Watchdog) handleDeath(wk *store.Worker) {
	log.Warn(log.CatWatchdog, "worker process died", "worker_id", wk.ID, "task_id", wk.CurrentTaskID)

	if wk.CurrentTaskID != nil {
		if err := w.store.RequeueDeadWorkerTask(*wk.CurrentTaskID); err != nil {
			log.ErrorErr(log.CatWatchdog, "failed to requeue dead worker's task", err, "task_id", *wk.CurrentTaskID)
		}
	}

	status := store.WorkerIdle
	if err := w.store.UpdateWorker(wk.ID, store.WorkerUpdate{
		Status:             &status,
		ClearCurrentTaskID: true,
	}); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to reset dead worker", err, "worker_id", wk.ID)
	}

	if w.eventBus != nil {
		w.eventBus.Publish(events.Event{Kind: events.KindWorkerDied, WorkerID: wk.ID, At: time.Now()})
	}

	payload, _ := json.Marshal(mail.WorkerTerminatedPayload{WorkerID: wk.ID, TaskID: wk.CurrentTaskID, Reason: "process_died"})
	if _, err := w.mailBus.Send("architect", store.MailTerminate, payload); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to send terminate mail", err)
	}
}

// checkHeartbeat escalates through warn/nudge/triage/terminate tiers
// based on how stale wk.LastHeartbeatAt is, skipping workers still within
// their launch grace period.
func (w *Watchdog) checkHeartbeat(now time.Time, wk *store.Worker) {
	if wk.LastHeartbeatAt == nil {
		return
	}
	if wk.LaunchedAt != nil && now.Sub(*wk.LaunchedAt) < w.cfg.LaunchGrace {
		return
	}
	age := now.Sub(*wk.LastHeartbeatAt)

	switch {
	case age >= w.cfg.TerminateAfter:
		w.terminateUnresponsive(wk)
	case age >= w.cfg.TriageAfter:
		w.triage(wk, age)
	case age >= w.cfg.NudgeAfter:
		w.nudge(wk, "heartbeat stale")
	case age >= w.cfg.WarnAfter:
		log.Warn(log.CatWatchdog, "heartbeat approaching stale threshold", "worker_id", wk.ID, "age_s", int(age.Seconds()))
	}
}

func (w *Watchdog) nudge(wk *store.Worker, reason string) {
	payload, _ := json.Marshal(mail.NudgePayload{WorkerID: wk.ID, Reason: reason})
	if _, err := w.mailBus.Send(fmt.Sprintf("worker-%d", wk.ID), store.MailNudge, payload); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to send nudge", err, "worker_id", wk.ID)
	}
}

func (w *Watchdog) triage(wk *store.Worker, age time.Duration) {
	taskID := 0
	if wk.CurrentTaskID != nil {
		taskID = *wk.CurrentTaskID
	}
	if w.supervisor != nil && w.supervisor.HasWindow(wk.ID) {
		if out, err := w.supervisor.CapturePane(wk.ID); err == nil {
			lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
			if len(lines) > 20 {
				lines = lines[len(lines)-20:]
			}
			log.Warn(log.CatWatchdog, "triage: recent worker output", "worker_id", wk.ID, "output", strings.Join(lines, "\n"))
		}
	}
	w.nudge(wk, "heartbeat stale")
	payload, _ := json.Marshal(mail.TriagePayload{WorkerID: wk.ID, TaskID: taskID, StalledForSec: int(age.Seconds())})
	if _, err := w.mailBus.Send("architect", store.MailHeartbeat, payload); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to send triage mail", err, "worker_id", wk.ID)
	}
}

func (w *Watchdog) terminateUnresponsive(wk *store.Worker) {
	log.Warn(log.CatWatchdog, "terminating unresponsive worker", "worker_id", wk.ID)
	if w.supervisor != nil && w.supervisor.HasWindow(wk.ID) {
		_ = w.supervisor.KillWindow(wk.ID)
	}
	w.handleDeath(wk)
}

// checkCompletedTaskReset returns a worker stuck in completed_task back
// to idle once the grace window elapses, so it can be reassigned.
func (w *Watchdog) checkCompletedTaskReset(now time.Time, wk *store.Worker) {
	if wk.LastHeartbeatAt == nil || now.Sub(*wk.LastHeartbeatAt) < w.cfg.CompletedTaskReset {
		return
	}
	status := store.WorkerIdle
	if err := w.store.UpdateWorker(wk.ID, store.WorkerUpdate{Status: &status, ClearCurrentTaskID: true}); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to reset completed-task worker", err, "worker_id", wk.ID)
	}
}

// checkStaleClaim releases a worker claimed by an external actor (e.g.
// tier-2 direct assignment flow) that never followed through.
func (w *Watchdog) checkStaleClaim(now time.Time, wk *store.Worker) {
	if wk.ClaimedAt == nil || now.Sub(*wk.ClaimedAt) < w.cfg.StaleClaimAfter {
		return
	}
	if err := w.store.ReleaseWorker(wk.ID); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to release stale claim", err, "worker_id", wk.ID)
	}
}

// runMaintenance purges old mail and activity log rows. The activity
// log retention window is read live from the store's config table on
// every pass, so an operator can tune `activity_log_retention_days`
// without restarting the daemon; it falls back to the value this
// watchdog was constructed with when the table has no row.
func (w *Watchdog) runMaintenance() {
	if n, err := w.mailBus.PurgeOlderThan(w.cfg.MailRetentionDays); err != nil {
		log.ErrorErr(log.CatWatchdog, "mail purge failed", err)
	} else if n > 0 {
		log.Info(log.CatWatchdog, "purged old mail", "count", n)
	}

	if n, err := w.store.PurgeActivityOlderThan(w.activityRetentionDays()); err != nil {
		log.ErrorErr(log.CatWatchdog, "activity log purge failed", err)
	} else if n > 0 {
		log.Info(log.CatWatchdog, "purged old activity log entries", "count", n)
	}
}

func (w *Watchdog) activityRetentionDays() int {
	raw, found, err := w.store.GetConfig("activity_log_retention_days")
	if !found || err != nil {
		return w.cfg.ActivityRetentionDays
	}
	var days int
	if _, err := fmt.Sscanf(raw, "%d", &days); err != nil || days <= 0 {
		return w.cfg.ActivityRetentionDays
	}
	return days
}
