package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/common/version"
	"go.uber.org/atomic"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/flowbridge/flowbridge/cmd/flowbridge/build"
	"github.com/flowbridge/flowbridge/pkg/connect/supervisor"
	util_log "github.com/flowbridge/flowbridge/pkg/util/log"
)

const (
	metricsNamespace = "flowbridge"
)

// App is the root datastructure.
type App struct {
	cfg Config

	Server         FlowbridgeServer
	InternalServer *server.Server

	supervisor *supervisor.Supervisor

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	deps          map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		Server: newFlowbridgeServer(),
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(util_log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}
	level.Info(util_log.Logger).Log("msg", "target active", "target", t.cfg.Target, "diagnostics_active", t.isModuleActive(Diagnostics))

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	// Used to delay shutdown but return "not ready" during this delay.
	shutdownRequested := atomic.NewBool(false)
	if t.cfg.InternalServer.Enable {
		t.InternalServer.HTTP.Path("/ready").Methods("GET").Handler(t.readyHandler(sm, shutdownRequested))
	}

	t.Server.HTTPRouter().Path(addHTTPAPIPrefix(&t.cfg, "/buildinfo")).Handler(t.buildinfoHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/ready").Handler(t.readyHandler(sm, shutdownRequested))
	t.Server.HTTPRouter().Path("/status").Handler(t.statusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/status/{endpoint}").Handler(t.statusHandler()).Methods("GET")
	grpc_health_v1.RegisterHealthServer(t.Server.GRPC(),
		grpcutil.NewHealthCheckFrom(
			grpcutil.WithShutdownRequested(shutdownRequested),
			grpcutil.WithManager(sm),
		))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(util_log.Logger).Log("msg", "flowbridge started") }
	stopped := func() { level.Info(util_log.Logger).Log("msg", "flowbridge stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				err = service.FailureCase()
				if errors.Is(err, modules.ErrStopProcess) {
					level.Info(util_log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", err)
				} else if errors.Is(err, context.Canceled) {
					return
				} else if err != nil {
					level.Error(util_log.Logger).Log("msg", "module failed", "module", m, "err", err)
				}
				return
			}
		}

		level.Error(util_log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(t.Server.Log())
	go func() {
		handler.Loop()

		shutdownRequested.Store(true)
		t.Server.SetKeepAlivesEnabled(false)

		if t.cfg.ShutdownDelay > 0 {
			time.Sleep(t.cfg.ShutdownDelay)
		}

		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) writeStatusVersion(w io.Writer) error {
	_, err := w.Write([]byte(version.Print("flowbridge") + "\n"))
	return err
}

func (t *App) writeStatusConfig(w io.Writer) error {
	out, err := json.MarshalIndent(t.cfg, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (t *App) readyHandler(sm *services.Manager, shutdownRequested *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if shutdownRequested.Load() {
			level.Debug(util_log.Logger).Log("msg", "application is stopping")
			http.Error(w, "Application is stopping", http.StatusServiceUnavailable)
			return
		}

		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

func (t *App) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var errs []error
		msg := bytes.Buffer{}

		simpleEndpoints := map[string]func(io.Writer) error{
			"version":   t.writeStatusVersion,
			"services":  t.writeStatusServices,
			"endpoints": t.writeStatusEndpoints,
		}

		wrapStatus := func(endpoint string) {
			msg.WriteString("GET /status/" + endpoint + "\n")

			if endpoint == "config" {
				if err := t.writeStatusConfig(&msg); err != nil {
					errs = append(errs, err)
				}
				return
			}
			fn, ok := simpleEndpoints[endpoint]
			if !ok {
				errs = append(errs, fmt.Errorf("unknown status endpoint %q", endpoint))
				return
			}
			if err := fn(&msg); err != nil {
				errs = append(errs, err)
			}
		}

		vars := mux.Vars(r)

		if endpoint, ok := vars["endpoint"]; ok {
			wrapStatus(endpoint)
		} else {
			wrapStatus("version")
			wrapStatus("services")
			wrapStatus("endpoints")
			wrapStatus("config")
		}

		w.Header().Set("Content-Type", "text/plain")

		var joined error
		for _, e := range errs {
			if e == nil {
				continue
			}
			if joined == nil {
				joined = e
			} else {
				joined = fmt.Errorf("%s: %w", e.Error(), joined)
			}
		}
		if joined != nil {
			http.Error(w, joined.Error(), http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		if _, err := w.Write(msg.Bytes()); err != nil {
			level.Error(util_log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) writeStatusServices(w io.Writer) error {
	svcNames := make([]string, 0, len(t.serviceMap))
	for name := range t.serviceMap {
		svcNames = append(svcNames, name)
	}
	sort.Strings(svcNames)

	for _, name := range svcNames {
		service := t.serviceMap[name]
		var e string
		if err := service.FailureCase(); err != nil {
			e = err.Error()
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", name, service.State(), e); err != nil {
			return err
		}
	}
	return nil
}

func (t *App) writeStatusEndpoints(w io.Writer) error {
	type endpoint struct {
		name  string
		regex string
	}

	var endpoints []endpoint

	err := t.Server.HTTPRouter().Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		e := endpoint{}
		if pathTemplate, err := route.GetPathTemplate(); err == nil {
			e.name = pathTemplate
		}
		if pathRegexp, err := route.GetPathRegexp(); err == nil {
			e.regex = pathRegexp
		}
		endpoints = append(endpoints, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error walking routes: %w", err)
	}

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].name < endpoints[j].name
	})

	for _, e := range endpoints {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", e.name, e.regex); err != nil {
			return err
		}
	}
	return nil
}

func (t *App) buildinfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(build.GetVersion()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			level.Error(util_log.Logger).Log("msg", "error writing response", "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
