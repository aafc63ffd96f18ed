package supervisor

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/assignment"
	"github.com/flowbridge/flowbridge/pkg/connect/producer"
	"github.com/flowbridge/flowbridge/pkg/connect/source"
	"github.com/flowbridge/flowbridge/pkg/connect/task"
)

type stubAdapter struct {
	mu     sync.Mutex
	wakeup chan struct{}
	closed bool
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{wakeup: make(chan struct{}, 1)}
}

func (a *stubAdapter) Subscribe(context.Context, []string, string, source.AssignmentListener) error {
	return nil
}

func (a *stubAdapter) Poll(ctx context.Context) (source.Batch, error) {
	select {
	case <-a.wakeup:
		return source.Batch{}, source.ErrWakeup
	case <-ctx.Done():
		return source.Batch{}, nil
	}
}

func (a *stubAdapter) Assignment() []connect.TopicPartition             { return nil }
func (a *stubAdapter) Paused() []connect.TopicPartition                 { return nil }
func (a *stubAdapter) Pause([]connect.TopicPartition)                   {}
func (a *stubAdapter) Resume([]connect.TopicPartition)                  {}
func (a *stubAdapter) Seek(connect.TopicPartition, int64)               {}
func (a *stubAdapter) SeekToBeginning([]connect.TopicPartition)         {}
func (a *stubAdapter) SeekToEnd([]connect.TopicPartition)               {}
func (a *stubAdapter) Committed(context.Context, connect.TopicPartition) (int64, bool, error) {
	return 0, false, nil
}
func (a *stubAdapter) CommitSync(context.Context, map[connect.TopicPartition]int64) error {
	return nil
}
func (a *stubAdapter) PartitionsFor(context.Context, string) ([]connect.PartitionID, error) {
	return nil, nil
}

func (a *stubAdapter) Wakeup() {
	select {
	case a.wakeup <- struct{}{}:
	default:
	}
}

func (a *stubAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

type stubProducer struct{}

func (stubProducer) Send(_ connect.ProducerRecord, ack producer.AckFunc) { ack(nil) }
func (stubProducer) Flush(context.Context) error                        { return nil }
func (stubProducer) Close()                                             {}

func testConfig(t *testing.T) task.Config {
	t.Helper()
	var cfg task.Config
	cfg.RegisterFlagsWithPrefix("", flag.NewFlagSet("test", flag.ContinueOnError))
	cfg.OffsetCommitInterval = time.Hour
	cfg.CancelTaskTimeout = 500 * time.Millisecond
	return cfg
}

func TestSupervisor_AssignmentChangeStartsAndStopsTasks(t *testing.T) {
	var created sync.Map // id -> *stubAdapter

	cfg := testConfig(t)
	factory := func(id string, ds connect.Datastream) (*task.Task, error) {
		adapter := newStubAdapter()
		created.Store(id, adapter)
		return task.New(id, ds, "origin", cfg, adapter, stubProducer{}, log.NewNopLogger(), nil), nil
	}

	sv := New(factory, cfg, log.NewNopLogger())
	svc := sv.Service()
	require.NoError(t, svc.StartAsync(context.Background()))
	require.NoError(t, svc.AwaitRunning(context.Background()))

	ds1 := connect.Datastream{Name: "ds-1", SourceConnectionString: "kafka://b:9092/A", DestinationConnectionString: "kafka://d:9092/A"}
	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{"t1": ds1}))

	require.Eventually(t, func() bool {
		_, ok := sv.TaskByName("ds-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	// Removing the assignment stops the task.
	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{}))
	require.Eventually(t, func() bool {
		_, ok := sv.TaskByName("ds-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	adapterAny, ok := created.Load("t1")
	require.True(t, ok)
	adapter := adapterAny.(*stubAdapter)
	adapter.mu.Lock()
	closed := adapter.closed
	adapter.mu.Unlock()
	assert.True(t, closed)

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(context.Background()))
}

func TestSupervisor_UnchangedAssignmentUpdatesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	factory := func(id string, ds connect.Datastream) (*task.Task, error) {
		return task.New(id, ds, "origin", cfg, newStubAdapter(), stubProducer{}, log.NewNopLogger(), nil), nil
	}

	sv := New(factory, cfg, log.NewNopLogger())
	sv.ctx = context.Background()

	ds := connect.Datastream{Name: "ds-1", SourceConnectionString: "kafka://b:9092/A", DestinationConnectionString: "kafka://d:9092/A"}
	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{"t1": ds}))

	updated := ds
	updated.Metadata = map[string]string{connect.MetaPausedSourcePartitions: `{"A":["0"]}`}
	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{"t1": updated}))

	tk, ok := sv.TaskByName("ds-1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, paused := tk.PauseSnapshot().ManualPaused["A"]
		return paused
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{}))
}

func TestSupervisor_SetInitialAssignmentAppliedOnStart(t *testing.T) {
	cfg := testConfig(t)
	factory := func(id string, ds connect.Datastream) (*task.Task, error) {
		return task.New(id, ds, "origin", cfg, newStubAdapter(), stubProducer{}, log.NewNopLogger(), nil), nil
	}

	sv := New(factory, cfg, log.NewNopLogger())
	sv.SetInitialAssignment(map[string]connect.Datastream{
		"c/ds-1": {Name: "ds-1", SourceConnectionString: "kafka://b:9092/A", DestinationConnectionString: "kafka://d:9092/A"},
	})

	svc := sv.Service()
	require.NoError(t, svc.StartAsync(context.Background()))
	require.NoError(t, svc.AwaitRunning(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := sv.TaskByName("ds-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(context.Background()))
}

func TestSupervisor_SourceAppliedOnStartAndClosedOnStop(t *testing.T) {
	cfg := testConfig(t)
	factory := func(id string, ds connect.Datastream) (*task.Task, error) {
		return task.New(id, ds, "origin", cfg, newStubAdapter(), stubProducer{}, log.NewNopLogger(), nil), nil
	}

	sv := New(factory, cfg, log.NewNopLogger())
	src := assignment.NewStatic(map[string][]connect.Datastream{
		"c": {{Name: "ds-1", SourceConnectionString: "kafka://b:9092/A", DestinationConnectionString: "kafka://d:9092/A"}},
	})
	sv.SetSource(src)

	svc := sv.Service()
	require.NoError(t, svc.StartAsync(context.Background()))
	require.NoError(t, svc.AwaitRunning(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := sv.TaskByName("ds-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(context.Background()))

	// stopping() closes the source; a second close would panic, so this
	// also guards against double-close.
	_, ok := <-src.Changes()
	assert.False(t, ok)
}

func TestInitialDelay_AlignsToIntervalBoundaryWithFloor(t *testing.T) {
	interval := 5 * time.Minute
	// 10:04:00 -> next 5-minute boundary is 10:05:00, 1 minute away,
	// which is below the 2-minute floor, so it defers to 10:10:00.
	now := time.Date(2026, 7, 30, 10, 4, 0, 0, time.UTC)
	d := initialDelay(now, interval)
	assert.Equal(t, 6*time.Minute, d)

	// 10:00:30 -> next boundary is 10:05:00, 4.5 minutes away, above the
	// floor, so it is used directly.
	now2 := time.Date(2026, 7, 30, 10, 0, 30, 0, time.UTC)
	d2 := initialDelay(now2, interval)
	assert.Equal(t, 4*time.Minute+30*time.Second, d2)
}

func TestSupervisor_RestartsNonLiveTask(t *testing.T) {
	cfg := testConfig(t)
	// PollTimeout is derived from OffsetCommitInterval/2 (30 minutes here), so
	// the stub adapter's in-flight Poll call never returns during this
	// test: lastPolledTime stays at its zero value, standing in for a
	// task whose poll thread has gone silent past nonGoodStateThreshold.
	cfg.NonGoodStateThreshold = 50 * time.Millisecond

	var generation int
	ids := make(chan string, 4)
	factory := func(id string, ds connect.Datastream) (*task.Task, error) {
		generation++
		ids <- fmt.Sprintf("gen-%d", generation)
		return task.New(id, ds, "origin", cfg, newStubAdapter(), stubProducer{}, log.NewNopLogger(), nil), nil
	}

	sv := New(factory, cfg, log.NewNopLogger())
	sv.ctx = context.Background()

	ds := connect.Datastream{Name: "ds-1", SourceConnectionString: "kafka://b:9092/A", DestinationConnectionString: "kafka://d:9092/A"}
	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{"t1": ds}))
	require.Eventually(t, func() bool {
		_, ok := sv.TaskByName("ds-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	<-ids // drain the first generation's id

	sv.checkLiveness(context.Background())

	select {
	case <-ids:
	case <-time.After(time.Second):
		t.Fatal("expected the supervisor to restart the non-live task")
	}

	require.NoError(t, sv.OnAssignmentChange(map[string]connect.Datastream{}))
}
