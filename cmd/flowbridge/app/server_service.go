package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"google.golang.org/grpc"

	util_log "github.com/flowbridge/flowbridge/pkg/util/log"
)

// FlowbridgeServer is the process's single HTTP(+gRPC health check)
// server. flowbridge registers no domain gRPC services of its own, but
// keeps the gRPC server around for the standard health-check service
// (spec §6 does not require gRPC, this is purely operational).
type FlowbridgeServer interface {
	HTTPRouter() *mux.Router
	HTTPHandler() http.Handler
	GRPC() *grpc.Server
	Log() log.Logger
	SetKeepAlivesEnabled(enabled bool)

	StartAndReturnService(cfg server.Config, supportGRPCOnHTTP bool, servicesToWaitFor func() []services.Service) (services.Service, error)
}

type flowbridgeServer struct {
	mux     *mux.Router
	handler http.Handler

	externalServer *server.Server
}

func newFlowbridgeServer() *flowbridgeServer {
	return &flowbridgeServer{
		mux: mux.NewRouter(),
	}
}

func (s *flowbridgeServer) HTTPRouter() *mux.Router {
	return s.mux
}

func (s *flowbridgeServer) HTTPHandler() http.Handler {
	return s.handler
}

func (s *flowbridgeServer) GRPC() *grpc.Server {
	return s.externalServer.GRPC
}

func (s *flowbridgeServer) Log() log.Logger {
	return s.externalServer.Log
}

func (s *flowbridgeServer) SetKeepAlivesEnabled(enabled bool) {
	s.externalServer.HTTPServer.SetKeepAlivesEnabled(enabled)
}

// StartAndReturnService builds the dskit server bound to s.mux and
// wraps it as a services.Service. supportGRPCOnHTTP is accepted for
// interface parity with the teacher's server but is always false here:
// flowbridge exposes no gRPC API of its own (only the standard gRPC
// health-check service registered in app.go's Run).
func (s *flowbridgeServer) StartAndReturnService(cfg server.Config, supportGRPCOnHTTP bool, servicesToWaitFor func() []services.Service) (services.Service, error) {
	actualWriteTimeout := cfg.HTTPServerWriteTimeout
	cfg.HTTPServerWriteTimeout = 0
	timeoutMiddleware := middleware.Func(func(h http.Handler) http.Handler {
		return http.TimeoutHandler(h, actualWriteTimeout, "request timed out")
	})

	metrics := server.NewServerMetrics(cfg)
	DisableSignalHandling(&cfg)

	if actualWriteTimeout > 0 {
		cfg.HTTPMiddleware = []middleware.Interface{timeoutMiddleware}
	}
	cfg.Router = s.mux

	var err error
	s.externalServer, err = server.NewWithMetrics(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	s.handler = s.externalServer.HTTPServer.Handler

	return NewServerService(s.externalServer, servicesToWaitFor), nil
}

// NewServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
// N.B.: this function is NOT Cortex specific, please let's keep it that way.
// Passed server should not react on signals. Early return from Run function is considered to be an error.
func NewServerService(serv *server.Server, servicesToWaitFor func() []services.Service) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		serv.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		level.Info(util_log.Logger).Log("msg", "server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// DisableSignalHandling puts a dummy signal handler
func DisableSignalHandling(config *server.Config) {
	config.SignalHandler = make(ignoreSignalHandler)
}

type ignoreSignalHandler chan struct{}

func (dh ignoreSignalHandler) Loop() {
	<-dh
}

func (dh ignoreSignalHandler) Stop() {
	close(dh)
}
