// Package supervisor implements the task supervisor (spec §4.F): a
// per-connector registry of tasks that starts and stops tasks on
// assignment change and restarts tasks it detects as non-live,
// grounded on cmd/tempo/app/modules.go's registry-of-services pattern
// and run as a single dskit service (cmd/tempo/app/server_service.go's
// services.NewBasicService shape).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/assignment"
	"github.com/flowbridge/flowbridge/pkg/connect/task"
)

// Factory builds an unstarted Task for a datastream assignment. id is
// stable across restarts of the same assignment; implementations wire
// a fresh source adapter and producer handle per call (spec §2: "F
// instantiates E, which opens A and B").
type Factory func(id string, ds connect.Datastream) (*task.Task, error)

type entry struct {
	id         string
	t          *task.Task
	datastream connect.Datastream
	cancel     context.CancelFunc
	done       chan struct{}
}

// Supervisor owns runningTasks/taskThreads (spec §4.F) as a single map
// of entries, each pairing a *task.Task with the goroutine running it.
type Supervisor struct {
	factory Factory
	cfg     task.Config
	logger  log.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	initial map[string]connect.Datastream
	source  assignment.Source

	ctx context.Context
}

func New(factory Factory, cfg task.Config, logger log.Logger) *Supervisor {
	return &Supervisor{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		tasks:   map[string]*entry{},
	}
}

// Service wraps s as a dskit service: starting captures the context new
// tasks are rooted under, running drives the periodic liveness check,
// stopping tears down every task with the configured grace period.
func (s *Supervisor) Service() services.Service {
	return services.NewBasicService(s.starting, s.running, s.stopping)
}

// SetInitialAssignment registers a snapshot to be applied as soon as the
// service starts running, before the liveness loop begins. Intended for
// wiring a static or config-sourced assignment list (the out-of-scope
// coordinator's stand-in) without requiring the caller to synchronize
// with the service's own start-up.
func (s *Supervisor) SetInitialAssignment(a map[string]connect.Datastream) {
	s.mu.Lock()
	s.initial = a
	s.mu.Unlock()
}

// SetSource registers a live assignment.Source (spec §4.L). Every
// snapshot it emits on Changes() for as long as the service runs is
// applied through OnAssignmentChange, so the supervisor reacts to
// reassignment, not only to the snapshot present at startup. Must be
// called before the service starts running.
func (s *Supervisor) SetSource(src assignment.Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

func (s *Supervisor) starting(ctx context.Context) error {
	s.ctx = ctx
	return nil
}

func (s *Supervisor) running(ctx context.Context) error {
	s.mu.Lock()
	initial := s.initial
	src := s.source
	s.mu.Unlock()
	if initial != nil {
		if err := s.OnAssignmentChange(initial); err != nil {
			return err
		}
	}

	delay := initialDelay(time.Now(), s.cfg.DaemonInterval)
	level.Info(s.logger).Log("msg", "supervisor liveness check scheduled", "initial_delay", delay, "interval", s.cfg.DaemonInterval)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	// A nil channel never fires, so this select degrades cleanly to the
	// liveness-only loop when no Source was registered.
	var changes <-chan map[string]connect.Datastream
	if src != nil {
		changes = src.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.checkLiveness(ctx)
			timer.Reset(s.cfg.DaemonInterval)
		case newTasks, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := s.OnAssignmentChange(newTasks); err != nil {
				level.Error(s.logger).Log("msg", "failed to apply assignment change", "err", err)
			}
		}
	}
}

func (s *Supervisor) stopping(failureCase error) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	src := s.source
	s.mu.Unlock()

	for _, id := range ids {
		s.stopAndRemove(id)
	}
	if src != nil {
		src.Close()
	}
	return nil
}

// OnAssignmentChange applies spec §4.F's diff: cancel tasks for ids no
// longer present, refresh the held snapshot (and reconcile pauses if
// needed) for ids that are still present, and create+start ids that are
// new.
func (s *Supervisor) OnAssignmentChange(newTasks map[string]connect.Datastream) error {
	s.mu.Lock()
	var removed []string
	for id := range s.tasks {
		if _, ok := newTasks[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.stopAndRemove(id)
	}

	for id, ds := range newTasks {
		s.mu.Lock()
		e, exists := s.tasks[id]
		if exists {
			e.datastream = ds
		}
		s.mu.Unlock()

		if exists {
			e.t.UpdateDatastream(ds)
			continue
		}

		if err := s.startTask(id, ds); err != nil {
			level.Error(s.logger).Log("msg", "failed to start task", "id", id, "datastream", ds.Name, "err", err)
			return fmt.Errorf("supervisor: start task %s: %w", id, err)
		}
	}
	return nil
}

func (s *Supervisor) startTask(id string, ds connect.Datastream) error {
	t, err := s.factory(id, ds)
	if err != nil {
		return err
	}

	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	e := &entry{id: id, t: t, datastream: ds, cancel: cancel, done: done}

	s.mu.Lock()
	s.tasks[id] = e
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := t.Run(runCtx); err != nil {
			level.Warn(s.logger).Log("msg", "task exited", "id", id, "datastream", ds.Name, "err", err)
		}
	}()

	level.Info(s.logger).Log("msg", "task started", "id", id, "datastream", ds.Name)
	return nil
}

// stopAndRemove requests a cooperative stop with the configured grace
// period; on timeout it force-cancels the task's context (there being
// no portable way to interrupt a Go goroutine) and removes the entry
// regardless, matching spec §4.F's "force-remove" fallback.
func (s *Supervisor) stopAndRemove(id string) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelTaskTimeout)
	err := e.t.Stop(stopCtx)
	cancel()
	if err != nil {
		level.Warn(s.logger).Log("msg", "task did not stop within grace period, forcing", "id", id, "err", err)
		e.cancel()
		<-e.done
	}
	level.Info(s.logger).Log("msg", "task stopped", "id", id)
}

// checkLiveness restarts any task whose poll thread has gone silent
// past nonGoodStateThreshold (spec invariant 9 / scenario S6).
func (s *Supervisor) checkLiveness(ctx context.Context) {
	type candidate struct {
		e  *entry
		ds connect.Datastream
	}

	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.tasks))
	for _, e := range s.tasks {
		// Snapshot e.datastream under s.mu: OnAssignmentChange writes it
		// under the same lock, and this is the only other goroutine that
		// touches it.
		candidates = append(candidates, candidate{e: e, ds: e.datastream})
	}
	s.mu.Unlock()

	now := time.Now()
	for _, c := range candidates {
		e := c.e
		alive := true
		select {
		case <-e.done:
			alive = false
		default:
		}

		silentFor := now.Sub(e.t.LastPolledTime())
		live := alive && silentFor < s.cfg.NonGoodStateThreshold
		if live {
			continue
		}

		level.Warn(s.logger).Log("msg", "task not live, restarting", "id", e.id, "datastream", c.ds.Name, "thread_alive", alive, "silent_for", silentFor)
		s.stopAndRemove(e.id)
		if err := s.startTask(e.id, c.ds); err != nil {
			level.Error(s.logger).Log("msg", "failed to restart non-live task", "id", e.id, "err", err)
		}
	}
}

// TaskByName returns the running task whose held datastream snapshot
// has the given name, for the diagnostics endpoints (spec §6), which
// are keyed by datastream name rather than the supervisor's internal
// task id.
func (s *Supervisor) TaskByName(name string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.t.Name() == name {
			return e.t, true
		}
	}
	return nil, false
}

// initialDelay aligns the first liveness check to an interval boundary
// within the hour (spec §4.F: "so that instances across hosts do not
// all check at once"), with a floor of min(2 minutes, interval) so a
// check due almost immediately is instead deferred to the next
// boundary.
func initialDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	floor := 2 * time.Minute
	if interval < floor {
		floor = interval
	}

	elapsedInHour := time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second +
		time.Duration(now.Nanosecond())
	delay := interval - (elapsedInHour % interval)
	if delay < floor {
		delay += interval
	}
	return delay
}
