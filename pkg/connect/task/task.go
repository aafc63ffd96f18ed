// Package task implements the central task loop (spec §4.E): the
// per-datastream cooperative event loop that subscribes to a source
// adapter, translates polled records into envelopes, forwards them to a
// destination producer handle with delivery tracking, reconciles pauses,
// and checkpoints progress.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/checkpoint"
	"github.com/flowbridge/flowbridge/pkg/connect/pause"
	"github.com/flowbridge/flowbridge/pkg/connect/producer"
	"github.com/flowbridge/flowbridge/pkg/connect/source"
	"github.com/flowbridge/flowbridge/pkg/connect/tracker"
)

// partitionRecovery is a deferred per-partition recovery action: seek
// back and optionally auto-pause, applied on the loop thread the
// iteration after a flushless send gives up retrying (spec §4.E.2).
type partitionRecovery struct {
	partition connect.TopicPartition
	reason    pause.Reason
}

// Task drives a single datastream's consumer-producer loop.
type Task struct {
	id            string
	originCluster string
	mirror        bool
	groupTopics   []string

	cfg    Config
	logger log.Logger

	adapter       source.Adapter
	producer      producer.Handle
	readinessHook TopicReadinessHook

	pauseCtrl *pause.Controller
	trk       *tracker.Tracker
	policy    checkpoint.Policy

	mu              sync.Mutex
	datastream      connect.Datastream
	assigned        []connect.TopicPartition
	currentlyPaused map[connect.TopicPartition]bool
	nextOffset      map[connect.TopicPartition]int64
	lastCommitted   map[connect.TopicPartition]int64

	updateCh   chan struct{}
	recoveryCh chan partitionRecovery

	state          *atomic.Int32
	stopRequested  *atomic.Bool
	stopCh         chan struct{}
	stoppedCh      chan struct{}
	lastPolledTime *atomic.Int64
}

// New builds a Task for ds, driven by adapter and producerHandle. Both
// must be unopened/unsubscribed; Run performs startup.
func New(id string, ds connect.Datastream, originCluster string, cfg Config, adapter source.Adapter, producerHandle producer.Handle, logger log.Logger, readinessHook TopicReadinessHook) *Task {
	if readinessHook == nil {
		readinessHook = NoopReadinessHook
	}

	mode := checkpoint.Flushful
	var trk *tracker.Tracker
	if cfg.FlushlessMode {
		mode = checkpoint.Flushless
		trk = tracker.New(producerHandle)
	}

	_, topicOrPattern, _ := connect.ParseSourceConnectionString(ds.SourceConnectionString)

	t := &Task{
		id:              id,
		originCluster:   originCluster,
		mirror:          connect.IsTopicPattern(topicOrPattern),
		groupTopics:     []string{topicOrPattern},
		cfg:             cfg,
		logger:          log.With(logger, "datastream", ds.Name),
		adapter:         adapter,
		producer:        producerHandle,
		readinessHook:   readinessHook,
		pauseCtrl:       pause.NewController(),
		trk:             trk,
		policy:          checkpoint.Policy{Mode: mode},
		datastream:      ds,
		currentlyPaused: map[connect.TopicPartition]bool{},
		nextOffset:      map[connect.TopicPartition]int64{},
		lastCommitted:   map[connect.TopicPartition]int64{},
		updateCh:        make(chan struct{}, 1),
		recoveryCh:      make(chan partitionRecovery, 256),
		state:           atomic.NewInt32(int32(StateStarting)),
		stopRequested:   atomic.NewBool(false),
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
		lastPolledTime:  atomic.NewInt64(0),
	}

	if manual, err := ds.PausedSourcePartitions(); err == nil {
		t.pauseCtrl.SetManual(manual)
	}
	return t
}

// ID returns the task's identity, stable across supervisor restarts of
// the same datastream assignment.
func (t *Task) ID() string { return t.id }

func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.datastream.Name
}

func (t *Task) State() State { return State(t.state.Load()) }

// LastPolledTime is read by the supervisor's liveness check (spec §4.F,
// invariant 9); it advances on every poll attempt, successful or not.
func (t *Task) LastPolledTime() time.Time {
	ns := t.lastPolledTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (t *Task) Assignment() []connect.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]connect.TopicPartition(nil), t.assigned...)
}

func (t *Task) PauseSnapshot() pause.Snapshot { return t.pauseCtrl.Snapshot() }

// InFlightCounts returns nil in flushful mode; the tracker only exists
// in flushless mode.
func (t *Task) InFlightCounts() map[connect.TopicPartition]int {
	if t.trk == nil {
		return nil
	}
	return t.trk.InFlightMessageCounts()
}

// Positions returns the next-offset-to-resume per assigned partition,
// for the position diagnostics endpoint (spec §6).
func (t *Task) Positions() map[connect.TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[connect.TopicPartition]int64, len(t.nextOffset))
	for tp, o := range t.nextOffset {
		out[tp] = o
	}
	return out
}

// SafeOffsets returns, per assigned partition, the offset that is safe
// to commit right now: in flushless mode that is the tracker's ack
// checkpoint (invariant 8), otherwise it is the same as Positions since
// a flushful send only advances nextOffset after the producer ack.
func (t *Task) SafeOffsets() map[connect.TopicPartition]int64 {
	t.mu.Lock()
	assigned := append([]connect.TopicPartition(nil), t.assigned...)
	next := make(map[connect.TopicPartition]int64, len(t.nextOffset))
	for tp, o := range t.nextOffset {
		next[tp] = o
	}
	t.mu.Unlock()

	out := make(map[connect.TopicPartition]int64, len(assigned))
	if t.trk == nil {
		for tp, o := range next {
			out[tp] = o
		}
		return out
	}
	for _, tp := range assigned {
		out[tp] = t.trk.AckCheckpoint(tp)
	}
	return out
}

// UpdateDatastream refreshes the held snapshot and, if the decoded
// pausedSourcePartitions metadata changed, enqueues a pause
// reconciliation (spec §4.F checkForUpdateTask).
func (t *Task) UpdateDatastream(ds connect.Datastream) {
	t.mu.Lock()
	t.datastream = ds
	t.mu.Unlock()

	manual, err := ds.PausedSourcePartitions()
	if err != nil {
		level.Warn(t.logger).Log("msg", "rejecting invalid pausedSourcePartitions update", "err", err)
		return
	}
	if t.pauseCtrl.SetManual(manual) {
		t.requestPauseResume()
	}
}

func (t *Task) requestPauseResume() {
	select {
	case t.updateCh <- struct{}{}:
	default:
	}
}

// Run executes startup and the main loop, blocking until stop or a
// fatal error. It is meant to be invoked on its own goroutine by the
// supervisor.
func (t *Task) Run(ctx context.Context) error {
	defer close(t.stoppedCh)

	// runCtx is canceled the moment Stop() fires, independently of the
	// caller's ctx, so every ctx-aware wait inside the loop (poll,
	// backoff) unblocks immediately on a requested stop.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-t.stopCh:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	if err := t.startup(runCtx); err != nil {
		t.state.Store(int32(StateError))
		return &FatalTaskError{Err: err}
	}
	t.state.Store(int32(StateRunning))
	level.Info(t.logger).Log("msg", "task started")

	loopErr := t.loop(runCtx)
	t.shutdown(loopErr)
	return loopErr
}

// Stop requests a cooperative shutdown and waits for it to complete or
// ctx to expire. A second call while a stop is already in flight simply
// waits on the same signal (invariant 7: idempotent stop).
func (t *Task) Stop(ctx context.Context) error {
	if t.stopRequested.CAS(false, true) {
		close(t.stopCh)
		t.adapter.Wakeup()
	}
	select {
	case <-t.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) startup(ctx context.Context) error {
	t.mu.Lock()
	groupID := t.datastream.GroupID()
	t.mu.Unlock()

	if err := t.adapter.Subscribe(ctx, t.groupTopics, groupID, t); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (t *Task) loop(ctx context.Context) error {
	lastCommitAt := time.Now()

	for !t.stopRequested.Load() {
		t.drainUpdates()

		pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout())
		batch, err := t.adapter.Poll(pollCtx)
		cancel()
		t.lastPolledTime.Store(time.Now().UnixNano())

		if err != nil && !t.handlePollError(ctx, err) {
			return &FatalTaskError{Err: err}
		}

		for _, pe := range batch.Errs {
			t.handlePartitionError(pe)
		}

		if len(batch.Records) > 0 {
			readTime := time.Now()
			t.translateAndSend(ctx, batch.Records)
			if elapsed := time.Since(readTime); elapsed > t.cfg.ProcessingDelayThreshold {
				level.Warn(t.logger).Log("msg", "batch processing exceeded delay threshold", "elapsed", elapsed)
			}
		}

		if time.Since(lastCommitAt) >= t.cfg.OffsetCommitInterval {
			if err := t.softCommit(ctx); err != nil {
				level.Warn(t.logger).Log("msg", "soft commit failed", "err", err)
			}
			lastCommitAt = time.Now()
		}
	}
	return nil
}

// handlePollError applies spec §4.E/§7's poll error table. It returns
// false only for an error class the loop cannot recover from inline.
func (t *Task) handlePollError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, source.ErrWakeup):
		return true
	default:
		level.Warn(t.logger).Log("msg", "transient poll error", "err", err)
		t.sleep(ctx, t.cfg.Backoff.MinBackoff)
		return true
	}
}

func (t *Task) handlePartitionError(pe source.PartitionError) {
	switch {
	case errors.Is(pe.Err, source.ErrNoOffsetForPartition):
		if start, ok := t.startPositionFor(pe.Partition); ok {
			t.adapter.Seek(pe.Partition, start)
			t.setNextOffset(pe.Partition, start)
			return
		}
		if t.mirror {
			t.adapter.SeekToBeginning([]connect.TopicPartition{pe.Partition})
		} else {
			t.adapter.SeekToEnd([]connect.TopicPartition{pe.Partition})
		}
	case errors.Is(pe.Err, source.ErrOffsetOutOfRange):
		// Adapter-specific hook; default no-op (spec §7 table).
		level.Warn(t.logger).Log("msg", "offset out of range", "partition", pe.Partition.String())
	default:
		level.Warn(t.logger).Log("msg", "partition poll error", "partition", pe.Partition.String(), "err", pe.Err)
	}
}

func (t *Task) translateAndSend(ctx context.Context, records []connect.Record) {
	order := make([]connect.TopicPartition, 0, 4)
	byPartition := map[connect.TopicPartition][]connect.Record{}
	for _, r := range records {
		tp := r.TopicPartition()
		if _, ok := byPartition[tp]; !ok {
			order = append(order, tp)
		}
		byPartition[tp] = append(byPartition[tp], r)
	}

	for _, tp := range order {
		t.sendPartition(ctx, tp, byPartition[tp])
	}
}

// sendPartition sends records for tp in offset order. A terminal failure
// (flushful) or a retry give-up (flushless, handled asynchronously via
// recoveryCh) stops progress on tp alone; other partitions are
// unaffected (spec invariant 6).
func (t *Task) sendPartition(ctx context.Context, tp connect.TopicPartition, records []connect.Record) {
	for _, r := range records {
		rec := t.translate(r)

		if t.trk != nil {
			t.sendFlushless(tp, r.Offset, rec)
			t.setNextOffset(tp, r.Offset+1)
			continue
		}

		if err := t.sendSyncWithRetry(ctx, rec); err != nil {
			if errors.Is(err, ErrStopRequested) {
				return
			}
			level.Warn(t.logger).Log("msg", "send failed after retries, recovering partition", "partition", tp.String(), "err", err)
			t.applyRecovery(partitionRecovery{partition: tp, reason: pause.ReasonSendError})
			return
		}
		t.setNextOffset(tp, r.Offset+1)
	}
}

// sendSyncWithRetry sends rec and blocks for its ack, retrying with
// dskit's standard backoff until the producer accepts it, ctx ends, or
// the configured retry budget (spec §6 max_retry_count) is exhausted.
func (t *Task) sendSyncWithRetry(ctx context.Context, rec connect.ProducerRecord) error {
	boff := backoff.New(ctx, t.cfg.Backoff)
	var lastErr error
	for boff.Ongoing() {
		if t.stopRequested.Load() {
			return ErrStopRequested
		}

		ackCh := make(chan error, 1)
		t.producer.Send(rec, func(err error) { ackCh <- err })

		select {
		case err := <-ackCh:
			if err == nil {
				return nil
			}
			lastErr = err
		case <-ctx.Done():
			return ctx.Err()
		}

		level.Debug(t.logger).Log("msg", "send attempt failed, retrying", "err", lastErr, "retries", boff.NumRetries())
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// sendFlushless submits rec through the tracker without blocking. Retry
// on failure happens off the loop thread (the ack arrives later); giving
// up posts a partitionRecovery instead of mutating adapter/tracker state
// directly, since only the loop thread is allowed to touch them.
func (t *Task) sendFlushless(tp connect.TopicPartition, offset int64, rec connect.ProducerRecord) {
	t.sendFlushlessAttempt(tp, offset, rec, backoff.New(context.Background(), t.cfg.Backoff))

	if t.cfg.FlowControlEnabled {
		if n := t.trk.InFlightCount(tp); n > t.cfg.MaxInFlightMessagesThreshold {
			min := t.cfg.MinInFlightMessagesThreshold
			t.pauseCtrl.AutoPause(tp, pause.Entry{
				Reason: pause.ReasonExceededMaxInFlight,
				Resume: func() bool { return t.trk.InFlightCount(tp) <= min },
			})
			t.requestPauseResume()
		}
	}
}

// sendFlushlessAttempt carries boff across retries of a single record so
// the backoff delay grows attempt over attempt. A retry runs on its own
// goroutine (boff.Wait blocks) rather than the loop thread; giving up
// posts a partitionRecovery instead of touching adapter/tracker state
// directly, since only the loop thread may do that.
func (t *Task) sendFlushlessAttempt(tp connect.TopicPartition, offset int64, rec connect.ProducerRecord, boff *backoff.Backoff) {
	t.trk.SendWithCallback(tp, offset, rec, func(err error) {
		if err == nil {
			return
		}
		if boff.Ongoing() && !t.stopRequested.Load() {
			go func() {
				boff.Wait()
				if t.stopRequested.Load() {
					return
				}
				t.sendFlushlessAttempt(tp, offset, rec, boff)
			}()
			return
		}

		select {
		case t.recoveryCh <- partitionRecovery{partition: tp, reason: pause.ReasonSendError}:
		default:
			level.Warn(t.logger).Log("msg", "recovery queue full, dropping recovery signal", "partition", tp.String())
		}
	})
}

// applyRecovery seeks tp back to its last known-safe offset and, if
// configured, installs a SEND_ERROR auto-pause. Always called on the
// loop thread: synchronously for flushful give-ups, or one iteration
// later (via recoveryCh) for flushless ones.
func (t *Task) applyRecovery(r partitionRecovery) {
	t.mu.Lock()
	seekTo, ok := t.lastCommitted[r.partition]
	t.mu.Unlock()
	if !ok {
		if start, sok := t.startPositionFor(r.partition); sok {
			seekTo = start
		} else {
			seekTo = 0
		}
	}

	t.adapter.Seek(r.partition, seekTo)
	t.setNextOffset(r.partition, seekTo)
	if t.trk != nil {
		t.trk.Clear(r.partition, seekTo)
	}

	if !t.cfg.PausePartitionOnError {
		return
	}
	deadline := time.Now().Add(t.cfg.PauseErrorDuration)
	t.pauseCtrl.AutoPause(r.partition, pause.Entry{
		Reason: r.reason,
		Resume: func() bool { return time.Now().After(deadline) },
	})
	t.requestPauseResume()
}

func (t *Task) translate(r connect.Record) connect.ProducerRecord {
	t.mu.Lock()
	ds := t.datastream
	t.mu.Unlock()

	env := connect.NewEnvelope(r, t.originCluster)
	pr := connect.ProducerRecord{
		Envelope:                    env,
		DestinationConnectionString: connect.FormatDestination(ds.DestinationConnectionString, r.Topic),
		CheckpointToken:             connect.FormatCheckpointToken(t.checkpointTopic(r.Topic), r.Partition, r.Offset),
		EventsSourceTimestamp:       r.Timestamp,
	}
	if ds.IdentityPartitioning() {
		p := int32(r.Partition)
		pr.TargetPartition = &p
	}
	return pr
}

func (t *Task) checkpointTopic(topic string) string {
	if t.mirror {
		return topic
	}
	return ""
}

func (t *Task) startPositionFor(tp connect.TopicPartition) (int64, bool) {
	t.mu.Lock()
	ds := t.datastream
	t.mu.Unlock()

	sp, err := ds.StartPosition()
	if err != nil {
		return 0, false
	}
	o, ok := sp[tp.Partition]
	return o, ok
}

func (t *Task) setNextOffset(tp connect.TopicPartition, offset int64) {
	t.mu.Lock()
	t.nextOffset[tp] = offset
	t.mu.Unlock()
}

// drainUpdates applies any queued partition recoveries, then reconciles
// pause state if a pause-affecting change was enqueued since the last
// iteration (spec §4.E main loop step 1).
func (t *Task) drainUpdates() {
	for {
		select {
		case r := <-t.recoveryCh:
			t.applyRecovery(r)
			continue
		default:
		}
		break
	}

	select {
	case <-t.updateCh:
		t.reconcilePauses()
	default:
	}
}

func (t *Task) reconcilePauses() {
	t.mu.Lock()
	assigned := append([]connect.TopicPartition(nil), t.assigned...)
	currentlyPaused := make(map[connect.TopicPartition]bool, len(t.currentlyPaused))
	for tp, v := range t.currentlyPaused {
		currentlyPaused[tp] = v
	}
	t.mu.Unlock()

	toPause, toResume := t.pauseCtrl.Reconcile(assigned, currentlyPaused)
	if len(toPause) > 0 {
		t.adapter.Pause(toPause)
	}
	if len(toResume) > 0 {
		t.adapter.Resume(toResume)
	}

	t.mu.Lock()
	for _, tp := range toPause {
		t.currentlyPaused[tp] = true
	}
	for _, tp := range toResume {
		delete(t.currentlyPaused, tp)
	}
	t.mu.Unlock()
}

func (t *Task) currentAssignment() []connect.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]connect.TopicPartition(nil), t.assigned...)
}

func (t *Task) trackerOrNil() checkpoint.Tracker {
	if t.trk == nil {
		return nil
	}
	return t.trk
}

func (t *Task) softCommit(ctx context.Context) error {
	return t.commit(ctx, checkpoint.Soft, t.currentAssignment())
}

func (t *Task) hardCommit(ctx context.Context, partitions []connect.TopicPartition) error {
	return t.commit(ctx, checkpoint.Hard, partitions)
}

func (t *Task) commit(ctx context.Context, kind checkpoint.Kind, partitions []connect.TopicPartition) error {
	if len(partitions) == 0 {
		return nil
	}

	t.mu.Lock()
	lastPolled := make(map[connect.TopicPartition]int64, len(partitions))
	for _, tp := range partitions {
		if o, ok := t.nextOffset[tp]; ok {
			lastPolled[tp] = o
		}
	}
	t.mu.Unlock()

	if err := t.policy.Commit(ctx, kind, partitions, lastPolled, t.trackerOrNil(), t.adapter, t.producer); err != nil {
		return err
	}

	t.mu.Lock()
	for _, tp := range partitions {
		if t.trk != nil {
			t.lastCommitted[tp] = t.trk.AckCheckpoint(tp)
		} else if o, ok := lastPolled[tp]; ok {
			t.lastCommitted[tp] = o
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *Task) shutdown(loopErr error) {
	t.state.Store(int32(StateStopping))

	if loopErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CancelTaskTimeout)
		if err := t.hardCommit(ctx, t.currentAssignment()); err != nil {
			level.Warn(t.logger).Log("msg", "final commit failed", "err", err)
		}
		cancel()
	}

	t.adapter.Close()
	t.producer.Close()

	if loopErr != nil {
		t.state.Store(int32(StateError))
	} else {
		t.state.Store(int32(StateStopped))
	}
	level.Info(t.logger).Log("msg", "task stopped", "state", t.State().String())
}

// sleep waits up to d, honouring stop and ctx cancellation. It returns
// false if the wait was cut short and the caller should abandon
// whatever retry loop it was in (spec §4.E.2: "a stopRequested during
// retry raises immediately").
func (t *Task) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !t.stopRequested.Load()
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Assigned implements source.AssignmentListener. It runs synchronously
// on the adapter's polling goroutine (spec §5), which for the Kafka
// adapter is this task's own loop goroutine inside adapter.Poll.
func (t *Task) Assigned(ctx context.Context, partitions []connect.TopicPartition) {
	t.mu.Lock()
	t.assigned = appendMissing(t.assigned, partitions)
	for _, tp := range partitions {
		if _, ok := t.nextOffset[tp]; !ok {
			t.nextOffset[tp] = 0
		}
	}
	t.mu.Unlock()

	notReady := t.readinessHook(partitions)
	if len(notReady) > 0 {
		t.adapter.Pause(notReady)
		t.mu.Lock()
		for _, tp := range notReady {
			t.currentlyPaused[tp] = true
		}
		t.mu.Unlock()
		for _, tp := range notReady {
			t.pauseCtrl.AutoPause(tp, pause.Entry{Reason: pause.ReasonTopicNotReady})
		}
	}

	level.Info(t.logger).Log("msg", "partitions assigned", "count", len(partitions))
	t.requestPauseResume()
}

// Revoked implements source.AssignmentListener, also run synchronously
// inside adapter.Poll.
func (t *Task) Revoked(ctx context.Context, partitions []connect.TopicPartition) {
	t.mu.Lock()
	t.assigned = removeAll(t.assigned, partitions)
	for _, tp := range partitions {
		delete(t.nextOffset, tp)
		delete(t.lastCommitted, tp)
		delete(t.currentlyPaused, tp)
	}
	t.mu.Unlock()

	if !t.stopRequested.Load() {
		if err := t.hardCommit(ctx, partitions); err != nil {
			level.Warn(t.logger).Log("msg", "hard commit on revoke failed", "err", err)
		}
	}

	t.pauseCtrl.PruneToAssigned(t.currentAssignment())
	level.Info(t.logger).Log("msg", "partitions revoked", "count", len(partitions))
	t.requestPauseResume()
}

func appendMissing(existing, add []connect.TopicPartition) []connect.TopicPartition {
	have := make(map[connect.TopicPartition]bool, len(existing))
	for _, tp := range existing {
		have[tp] = true
	}
	out := existing
	for _, tp := range add {
		if !have[tp] {
			out = append(out, tp)
			have[tp] = true
		}
	}
	return out
}

func removeAll(existing, remove []connect.TopicPartition) []connect.TopicPartition {
	drop := make(map[connect.TopicPartition]bool, len(remove))
	for _, tp := range remove {
		drop[tp] = true
	}
	out := existing[:0:0]
	for _, tp := range existing {
		if !drop[tp] {
			out = append(out, tp)
		}
	}
	return out
}
