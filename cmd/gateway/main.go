package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/broker"
	"github.com/rivet-gg/pegboard-tunnel/internal/config"
	"github.com/rivet-gg/pegboard-tunnel/internal/gatewayhttp"
	"github.com/rivet-gg/pegboard-tunnel/internal/gatewaystate"
	"github.com/rivet-gg/pegboard-tunnel/internal/identitystub"
	"github.com/rivet-gg/pegboard-tunnel/internal/routerauth"
	"github.com/rivet-gg/pegboard-tunnel/internal/subjects"
)

var (
	listenAddr    = flag.String("listen-addr", ":8080", "HTTP listen address.")
	gatewayID     = flag.String("gateway-id", "", "This gateway's identity, used to derive its receiver subject. Defaults to a random id.")
	ackTimeout    = flag.Duration("ack-timeout", gatewaystate.DefaultMessageAckTimeout, "Per-message ack timeout.")
	gcInterval    = flag.Duration("gc-interval", gatewaystate.DefaultGCInterval, "Garbage collection sweep interval.")
	deliveryQueue = flag.Int("delivery-queue-cap", gatewaystate.DefaultDeliveryQueueCap, "Per-request delivery queue capacity.")
	requireAuth   = flag.Bool("require-auth", true, "Require a bearer token on the HTTP API.")
	apiToken      = flag.String("api-token", "", "Expected bearer token for the HTTP API.")
	leaderURL     = flag.String("leader-url", "", "Leader datacenter's /namespaces URL. Empty means this gateway is the leader.")
	brokerFlags   = config.RegisterBrokerFlags(flag.CommandLine)
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	id := *gatewayID
	if id == "" {
		id = randomGatewayID()
	}

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

	state, err := gatewaystate.New(ctx, redisClient, subjects.GatewayReceiver(id), gatewaystate.Config{
		MessageAckTimeout: *ackTimeout,
		GCInterval:        *gcInterval,
		DeliveryQueueCap:  *deliveryQueue,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start gateway state: %v", err)
	}

	proxy := &gatewayhttp.Handler{
		State:  state,
		Router: identitystub.Router{},
		ActorIDOf: func(r *http.Request) string {
			// Path shape: /actor/<actor_id>/...
			trimmed := strings.TrimPrefix(r.URL.Path, "/actor/")
			parts := strings.SplitN(trimmed, "/", 2)
			return parts[0]
		},
	}

	devErrLog := func(detail string) {
		logger.Error("routerauth: developer error", slog.String("detail", detail))
	}

	namespaces := &gatewayhttp.NamespacesHandler{
		IsLeader:   *leaderURL == "",
		LeaderURL:  *leaderURL,
		HTTPClient: http.DefaultClient,
		Local:      identitystub.NamespaceLister{},
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/actor/", routerauth.RequireGuard(authMiddleware(proxy, *requireAuth, *apiToken), devErrLog))
	mux.Handle("/namespaces", routerauth.RequireGuard(authMiddleware(namespaces, *requireAuth, *apiToken), devErrLog))

	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		logger.Info("gateway listening",
			slog.String("addr", *listenAddr),
			slog.String("gateway_id", id),
		)
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

// randomGatewayID generates a per-process receiver-subject suffix, the same
// scope-of-uniqueness spec §3 requires of request and message ids.
func randomGatewayID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// authMiddleware performs the actual token check and marks the routerauth
// Guard installed by RequireGuard -- SkipAuth when auth is deliberately
// disabled, Authenticated once Authenticate has run (success or failure),
// so RequireGuard's post-handler Verify() only ever fires for an endpoint
// that bypassed this middleware entirely (spec §4.5).
func authMiddleware(next http.Handler, required bool, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard := routerauth.GuardFromContext(r.Context())

		if !required {
			if guard != nil {
				guard.SkipAuth()
			}
			next.ServeHTTP(w, r)
			return
		}

		v := staticAPIVerifier{token: token}
		err := routerauth.Authenticate(r.Context(), r, routerauth.TargetAPI, v)
		if guard != nil {
			guard.Authenticated()
		}
		if err != nil {
			apiErr, ok := err.(*apierrors.Error)
			if !ok {
				apiErr = apierrors.Unauthorized(err.Error())
			}
			w.WriteHeader(apiErr.HTTPStatus())
			_, _ = w.Write([]byte(apiErr.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type staticAPIVerifier struct {
	token string
}

func (s staticAPIVerifier) ExpectedToken(_ context.Context, _ routerauth.Target) (string, error) {
	if s.token == "" {
		return "", apierrors.Internal("no api token configured")
	}
	return s.token, nil
}
