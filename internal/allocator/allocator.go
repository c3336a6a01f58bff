// Package allocator periodically matches ready tasks to idle workers,
// preferring domain-affinity matches, and spawns worker processes on
// demand.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/supervisor"
)

// DefaultInterval is how often the allocator ticks when not configured
// otherwise.
const DefaultInterval = 2 * time.Second

// affinityCacheTTL bounds how long a domain-affinity lookup is cached
// before being recomputed from the store.
const affinityCacheTTL = 10 * time.Second

// Config tunes the allocator. WorkerCmd and WorkerArgs describe how to
// spawn a worker process; left as fields rather than constants so tests
// can override them.
type Config struct {
	Interval   time.Duration
	WorkerCmd  string
	WorkerArgs []string
}

// Allocator is the periodic task-to-worker matcher.
type Allocator struct {
	store      *store.Store
	mailBus    *mail.Bus
	eventBus   *events.Bus
	supervisor supervisor.Supervisor
	cfg        Config
	affinity   *cache.Cache
}

// New constructs an Allocator. cfg.Interval defaults to DefaultInterval
// when zero.
func New(s *store.Store, m *mail.Bus, eb *events.Bus, sup supervisor.Supervisor, cfg Config) *Allocator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WorkerCmd == "" {
		cfg.WorkerCmd = "kiln-worker"
	}
	return &Allocator{
		store:      s,
		mailBus:    m,
		eventBus:   eb,
		supervisor: sup,
		cfg:        cfg,
		affinity:   cache.New(affinityCacheTTL, 2*affinityCacheTTL),
	}
}

// Run ticks every cfg.Interval until ctx is cancelled.
func (a *Allocator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				log.ErrorErr(log.CatAllocator, "tick failed", err)
			}
		}
	}
}

// Tick performs one allocation pass: promote dependency-satisfied tasks,
// then match ready tasks to idle workers.
func (a *Allocator) Tick(ctx context.Context) error {
	if _, err := a.store.CheckAndPromoteTasks(); err != nil {
		return fmt.Errorf("promoting tasks: %w", err)
	}

	ready, err := a.store.GetReady()
	if err != nil {
		return fmt.Errorf("listing ready tasks: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	idle, err := a.store.ListIdle()
	if err != nil {
		return fmt.Errorf("listing idle workers: %w", err)
	}
	if len(idle) == 0 {
		a.hintTasksAvailable(len(ready))
		return nil
	}

	assignedWorker := make(map[int]bool, len(idle))

	// Pass 1: same-domain match.
	for _, task := range ready {
		if task.Domain == nil {
			continue
		}
		for _, w := range idle {
			if assignedWorker[w.ID] {
				continue
			}
			if a.domainMatches(w, *task.Domain) {
				if a.tryAssign(ctx, task, w) {
					assignedWorker[w.ID] = true
				}
				break
			}
		}
	}

	// Pass 2: any remaining idle worker to any remaining ready task.
	for _, task := range ready {
		if task.AssignedTo != nil {
			continue
		}
		latest, err := a.store.GetTask(task.ID)
		if err != nil || latest.Status != store.TaskReady {
			continue
		}
		for _, w := range idle {
			if assignedWorker[w.ID] {
				continue
			}
			if a.tryAssign(ctx, latest, w) {
				assignedWorker[w.ID] = true
			}
			break
		}
	}

	return nil
}

// domainMatches checks the worker's last-known domain affinity, reading
// through a short-lived cache over the store.
func (a *Allocator) domainMatches(w *store.Worker, domain string) bool {
	key := fmt.Sprintf("worker-domain:%d", w.ID)
	if cached, ok := a.affinity.Get(key); ok {
		return cached.(string) == domain
	}

	current := ""
	if w.CurrentDomain != nil {
		current = *w.CurrentDomain
	}
	a.affinity.Set(key, current, cache.DefaultExpiration)
	return current == domain
}

// tryAssign attempts the TOCTOU-safe store assignment and, on success,
// notifies the worker and spawns its process if not already running.
func (a *Allocator) tryAssign(ctx context.Context, task *store.Task, w *store.Worker) bool {
	if err := a.store.AssignTask(ctx, task.ID, w.ID); err != nil {
		log.Debug(log.CatAllocator, "assignment lost race", "task_id", task.ID, "worker_id", w.ID, "error", err.Error())
		return false
	}

	a.affinity.Delete(fmt.Sprintf("worker-domain:%d", w.ID))

	if a.eventBus != nil {
		a.eventBus.Publish(events.Event{Kind: events.KindTaskAssigned, TaskID: task.ID, WorkerID: w.ID, At: time.Now()})
	}

	if err := a.ensureSpawned(ctx, w.ID); err != nil {
		log.ErrorErr(log.CatAllocator, "failed to spawn worker process", err, "worker_id", w.ID)
	}

	payload, _ := json.Marshal(mail.TaskAssignedPayload{
		TaskID:      task.ID,
		Subject:     task.Subject,
		Description: task.Description,
		Files:       task.Files,
	})
	if _, err := a.mailBus.Send(fmt.Sprintf("worker-%d", w.ID), store.MailTaskAssigned, payload); err != nil {
		log.ErrorErr(log.CatAllocator, "failed to send task_assigned mail", err, "worker_id", w.ID)
	}

	log.Info(log.CatAllocator, "assigned task", "task_id", task.ID, "worker_id", w.ID)
	return true
}

// ensureSpawned starts the worker's process if the supervisor has no
// live window for it yet.
func (a *Allocator) ensureSpawned(ctx context.Context, workerID int) error {
	if a.supervisor == nil {
		return nil
	}
	if a.supervisor.HasWindow(workerID) {
		if a.supervisor.IsAlive(workerID) {
			return nil
		}
		// A tracked but dead window blocks CreateWindow; drop it first.
		_ = a.supervisor.KillWindow(workerID)
	}
	env := map[string]string{"KILN_WORKER_ID": fmt.Sprintf("%d", workerID)}
	return a.supervisor.CreateWindow(ctx, workerID, a.cfg.WorkerCmd, a.cfg.WorkerArgs, env)
}

// hintTasksAvailable sends one tasks_available mail to the architect
// when there are ready tasks but no idle workers free to take them
// immediately.
func (a *Allocator) hintTasksAvailable(count int) {
	payload, _ := json.Marshal(mail.TasksAvailablePayload{Count: count})
	if _, err := a.mailBus.Send("architect", store.MailTasksAvailable, payload); err != nil {
		log.ErrorErr(log.CatAllocator, "failed to send tasks_available hint", err)
	}
}
