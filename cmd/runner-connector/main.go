package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivet-gg/pegboard-tunnel/internal/allocation"
	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/config"
	"github.com/rivet-gg/pegboard-tunnel/internal/identitystub"
	"github.com/rivet-gg/pegboard-tunnel/internal/kv"
	"github.com/rivet-gg/pegboard-tunnel/internal/kvstub"
	"github.com/rivet-gg/pegboard-tunnel/internal/routerauth"
	"github.com/rivet-gg/pegboard-tunnel/internal/runnerconn"
	"github.com/rivet-gg/pegboard-tunnel/internal/workflownotifier"
	"github.com/rivet-gg/pegboard-tunnel/internal/wsconn"
)

var (
	listenAddr       = flag.String("listen-addr", ":8081", "Runner WebSocket listen address.")
	handshakeTimeout = flag.Duration("handshake-timeout", runnerconn.DefaultHandshakeTimeout, "Timeout waiting for the runner's init frame.")
	pingInterval     = flag.Duration("ping-interval", runnerconn.DefaultPingInterval, "Interval between RTT-tracking pings.")
	requireAuth      = flag.Bool("require-auth", true, "Require a bearer token on the runner WebSocket.")
	runnerToken      = flag.String("runner-token", "", "Expected bearer token for runner connections.")
	workflowAddr     = flag.String("workflow-addr", "", "Workflow engine gRPC address. Empty disables workflow signaling.")
	workflowTLS      = flag.Bool("workflow-tls", false, "Use TLS when dialing the workflow engine.")
	brokerFlags      = config.RegisterBrokerFlags(flag.CommandLine)
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	host, port, password, db, tlsEnabled := brokerFlags.Resolved()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := broker.NewRedisClient(ctx, broker.Config{
		Host: host, Port: port, Password: password, DB: db, TLSEnabled: tlsEnabled,
	}, logger)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer redisClient.Close()

	allocIndex := allocation.NewIndex()
	kvHandler := &kv.Handler{Ownership: kvstub.Ownership{}, Store: kvstub.NewStore()}

	var notifier allocation.WorkflowNotifier = allocation.NoopNotifier{}
	if *workflowAddr != "" {
		wfClient, err := workflownotifier.Dial(workflownotifier.Config{Address: *workflowAddr, UseTLS: *workflowTLS})
		if err != nil {
			log.Fatalf("failed to dial workflow engine: %v", err)
		}
		defer wfClient.Close()
		notifier = wfClient
	}

	deps := runnerconn.Deps{
		Broker:           redisClient,
		Allocation:       allocIndex,
		Notifier:         notifier,
		KV:               kvHandler,
		IdentityResolver: identitystub.Resolver{},
		Logger:           logger,
		HandshakeTimeout: *handshakeTimeout,
		PingInterval:     *pingInterval,
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	devErrLog := func(detail string) {
		logger.Error("routerauth: developer error", slog.String("detail", detail))
	}

	connectHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard := routerauth.GuardFromContext(r.Context())

		if *requireAuth {
			verifier := staticVerifier{token: *runnerToken}
			err := routerauth.Authenticate(r.Context(), r, routerauth.TargetRunner, verifier)
			if guard != nil {
				guard.Authenticated()
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		} else if guard != nil {
			guard.SkipAuth()
		}

		params, apiErr := runnerconn.ParseConnectParams(r)
		if apiErr != nil {
			http.Error(w, apiErr.Error(), http.StatusBadRequest)
			return
		}

		handle := wsconn.New(upgrader, w, r, nil)
		if err := runnerconn.Serve(r.Context(), handle, params, deps); err != nil {
			logger.Warn("runner connection ended", slog.String("error", err.Error()))
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/connect", routerauth.RequireGuard(connectHandler, devErrLog))

	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		logger.Info("runner connector listening", slog.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}

// staticVerifier always checks against one configured token, for the
// runner-connector binary's single-tenant deployment mode.
type staticVerifier struct {
	token string
}

func (s staticVerifier) ExpectedToken(_ context.Context, _ routerauth.Target) (string, error) {
	if s.token == "" {
		return "", apierrors.Internal("no runner token configured")
	}
	return s.token, nil
}
