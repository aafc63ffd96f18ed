package app

import (
	"fmt"
	"net/http"
	"path"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/assignment"
	"github.com/flowbridge/flowbridge/pkg/connect/diagnostics"
	"github.com/flowbridge/flowbridge/pkg/connect/producer"
	"github.com/flowbridge/flowbridge/pkg/connect/source"
	"github.com/flowbridge/flowbridge/pkg/connect/supervisor"
	"github.com/flowbridge/flowbridge/pkg/connect/task"
	"github.com/flowbridge/flowbridge/pkg/ingest"
	util_log "github.com/flowbridge/flowbridge/pkg/util/log"
)

// The modules that make up flowbridge.
const (
	Server         string = "server"
	InternalServer string = "internal-server"
	Supervisor     string = "supervisor"
	Diagnostics    string = "diagnostics"

	// composite targets
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	if t.cfg.EnableGoRuntimeMetrics {
		// unregister default Go collector
		prometheus.Unregister(collectors.NewGoCollector())
		// register Go collector with all available runtime metrics
		prometheus.MustRegister(collectors.NewGoCollector(
			collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll),
		))
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself or the internal server.
			if m != Server && m != InternalServer {
				svs = append(svs, s)
			}
		}
		return svs
	}

	return t.Server.StartAndReturnService(t.cfg.Server, false, servicesToWaitFor)
}

func (t *App) initInternalServer() (services.Service, error) {
	if !t.cfg.InternalServer.Enable {
		return services.NewIdleService(nil, nil), nil
	}

	DisableSignalHandling(&t.cfg.InternalServer.Config)
	serv, err := server.New(t.cfg.InternalServer.Config)
	if err != nil {
		return nil, err
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			if m != InternalServer && m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.InternalServer = serv
	s := NewServerService(t.InternalServer, servicesToWaitFor)

	return s, nil
}

// initSupervisor builds the supervisor.Factory that opens a source and
// destination *kgo.Client per datastream (spec §2: "the supervisor
// instantiates the task, which opens its source adapter and producer
// handle"), wires the config-sourced static assignment.Source
// (SPEC_FULL.md §4.L, the out-of-scope coordinator's stand-in), and
// registers the supervisor's service. Using a Source (rather than
// SetInitialAssignment alone) means the supervisor keeps consuming
// Changes() for as long as the service runs, not only at startup.
func (t *App) initSupervisor() (services.Service, error) {
	factory := t.taskFactory()

	sv := supervisor.New(factory, t.cfg.Task, util_log.Logger)

	connectors := make(map[string][]connect.Datastream, len(t.cfg.Connectors))
	for _, c := range t.cfg.Connectors {
		connectors[c.Name] = c.Datastreams
	}
	sv.SetSource(assignment.NewStatic(connectors))

	t.supervisor = sv
	return sv.Service(), nil
}

// taskFactory closes over t.cfg to build one supervisor.Factory shared
// by every datastream. The seed broker for each *kgo.Client comes from
// the datastream's own connection string (spec §3), not from
// SourceKafka.Address/DestinationKafka.Address, which only supply the
// TLS/SASL/client-id/timeout settings common to every client.
func (t *App) taskFactory() supervisor.Factory {
	return func(id string, ds connect.Datastream) (*task.Task, error) {
		sourceBrokers, topicOrPattern, err := connect.ParseSourceConnectionString(ds.SourceConnectionString)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}

		sourceCfg := t.cfg.SourceKafka
		sourceCfg.Address = sourceBrokers

		// The client's group-management callbacks must name a method on
		// an already-allocated adapter, but NewKafkaAdapter needs the
		// client to exist first. Allocate the adapter, wire its bound
		// methods into the client options, then fill it in below: the
		// pointer identity the callbacks captured stays valid.
		adapter := &source.KafkaAdapter{}
		sourceOpts := ingest.CommonOptions(sourceCfg, "flowbridge_source", prometheus.DefaultRegisterer, util_log.Logger)
		sourceOpts = append(sourceOpts,
			kgo.ConsumerGroup(ds.GroupID()),
			kgo.ConsumeTopics(topicOrPattern),
			kgo.DisableAutoCommit(),
			kgo.Balancers(kgo.CooperativeStickyBalancer()),
			kgo.OnPartitionsAssigned(adapter.Assigned),
			kgo.OnPartitionsRevoked(adapter.Revoked),
		)
		if connect.IsTopicPattern(topicOrPattern) {
			sourceOpts = append(sourceOpts, kgo.ConsumeRegex())
		}

		sourceClient, err := kgo.NewClient(sourceOpts...)
		if err != nil {
			return nil, fmt.Errorf("task %s: source client: %w", id, err)
		}
		*adapter = *source.NewKafkaAdapter(sourceClient)

		destBrokers, _, err := connect.ParseSourceConnectionString(ds.DestinationConnectionString)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		destCfg := t.cfg.DestinationKafka
		destCfg.Address = destBrokers

		destOpts := ingest.CommonOptions(destCfg, "flowbridge_destination", prometheus.DefaultRegisterer, util_log.Logger)
		destOpts = append(destOpts, kgo.DefaultProduceTopic(ds.Name))
		if ds.IdentityPartitioning() {
			// Identity partitioning (spec §3) sets Record.Partition
			// directly; franz-go's default partitioner ignores that field
			// unless the client is built with a manual partitioner.
			destOpts = append(destOpts, kgo.RecordPartitioner(kgo.ManualPartitioner()))
		}

		destClient, err := kgo.NewClient(destOpts...)
		if err != nil {
			sourceClient.Close()
			return nil, fmt.Errorf("task %s: destination client: %w", id, err)
		}

		prod := producer.NewKafkaProducer(destClient)

		return task.New(id, ds, t.cfg.OriginCluster, t.cfg.Task, adapter, prod, util_log.Logger, task.NoopReadinessHook), nil
	}
}

func (t *App) initDiagnostics() (services.Service, error) {
	handler := diagnostics.NewHandler(t.supervisor, util_log.Logger)
	handler.RegisterRoutes(t.Server.HTTPRouter())
	return services.NewIdleService(nil, nil), nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(InternalServer, t.initInternalServer, modules.UserInvisibleModule)
	mm.RegisterModule(Supervisor, t.initSupervisor)
	mm.RegisterModule(Diagnostics, t.initDiagnostics, modules.UserInvisibleModule)

	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Server:      {InternalServer},
		Supervisor:  {Server},
		Diagnostics: {Server, Supervisor},

		SingleBinary: {Supervisor, Diagnostics},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	t.deps = deps

	return nil
}

func addHTTPAPIPrefix(cfg *Config, apiPath string) string {
	return path.Join(cfg.HTTPAPIPrefix, apiPath)
}

// isModuleActive reports whether target's dependency tree includes mod.
func (t *App) isModuleActive(mod string) bool {
	return recursiveIsModuleActive(t.deps, t.cfg.Target, mod)
}

func recursiveIsModuleActive(deps map[string][]string, target, mod string) bool {
	if target == mod {
		return true
	}
	for _, dep := range deps[target] {
		if recursiveIsModuleActive(deps, dep, mod) {
			return true
		}
	}
	return false
}
