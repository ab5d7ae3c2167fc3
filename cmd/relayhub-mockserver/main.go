// Command relayhub-mockserver is a demo upstream stream endpoint that
// speaks spec.md §6's wire protocol: UTF-8 JSON MessageEnvelope frames
// over a WebSocket at {baseUrl}/{userId}?token={credential}. It exists
// for manual and integration testing of pkg/streamclient, pkg/sharedhost,
// and pkg/facade without a real backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/logging"
	"github.com/relayhub/relayhub/pkg/telemetry"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	tickInterval := flag.Duration("tick-interval", 5*time.Second, "interval between demo push envelopes")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error, silent")
	flag.Parse()

	logger := logging.New("relayhub-mockserver", logging.Level(*logLevel), os.Stderr)
	reg := prometheus.NewRegistry()

	tp, err := telemetry.New("relayhub-mockserver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayhub-mockserver: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err.Error())
		}
	}()

	srv := newServer(logger, *tickInterval, tp.Tracer("relayhub-mockserver"))

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/*", srv.handleWebSocket)

	httpServer := &http.Server{Addr: *addr, Handler: router}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err.Error())
		}
	}()

	logger.Info("listening", "addr", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "relayhub-mockserver: %v\n", err)
		os.Exit(1)
	}
}

// server accepts upgrade requests at any path, treating the whole
// request path (leading and trailing slashes trimmed) as the userId and
// the "token" query parameter as the credential; a base URL with its own
// path therefore shows up as part of the userId. It does not verify the
// token — this is a test fixture, not an auth server.
type server struct {
	logger       logging.Sink
	tickInterval time.Duration
	tracer       trace.Tracer
	upgrader     websocket.Upgrader
}

func newServer(logger logging.Sink, tickInterval time.Duration, tracer trace.Tracer) *server {
	return &server{
		logger:       logger,
		tickInterval: tickInterval,
		tracer:       tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.Trim(r.URL.Path, "/")
	if userID == "" {
		userID = "anonymous"
	}
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err.Error())
		return
	}
	s.logger.Info("connection opened", "userId", userID, "hasToken", token != "")

	ctx, span := s.tracer.Start(r.Context(), "mockserver.connection", trace.WithAttributes(
		attribute.String("userId", userID),
	))
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	writeMu := &sync.Mutex{}

	go s.pushLoop(ctx, conn, writeMu, userID)
	s.readLoop(ctx, conn, writeMu, userID)
	cancel()
}

// readLoop is the connection's sole reader. Frames that don't decode as
// a MessageEnvelope are dropped, per spec.md §7's ParseError handling;
// a decoded "PING" heartbeat is dropped without a reply, everything else is
// echoed back wrapped in an "ECHO" envelope so a connected client can
// observe its own sends round-trip.
func (s *server) readLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, userID string) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("connection closed", "userId", userID, "error", err.Error())
			return
		}
		env, ok := envelope.Decode(raw)
		if !ok {
			s.logger.Warn("dropped malformed frame", "userId", userID)
			continue
		}
		_, span := s.tracer.Start(ctx, "mockserver.frame", trace.WithAttributes(
			attribute.String("type", env.Type),
		))
		if env.Type == "PING" {
			span.End()
			continue
		}
		reply := envelope.Envelope{
			Type:      "ECHO",
			Data:      map[string]any{"originalType": env.Type, "originalData": env.Data},
			Timestamp: time.Now().UnixMilli(),
		}
		s.writeEnvelope(conn, writeMu, reply)
		span.End()
	}
}

// pushLoop periodically sends a demo envelope so a manually-attached
// StreamClient/SharedHost has something to subscribe to besides its own
// echoes.
func (s *server) pushLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, userID string) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ticker.C:
			n++
			env := envelope.Envelope{
				Type:      "DEMO_TICK",
				Data:      map[string]any{"n": n, "userId": userID},
				Timestamp: time.Now().UnixMilli(),
			}
			s.writeEnvelope(conn, writeMu, env)
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) writeEnvelope(conn *websocket.Conn, writeMu *sync.Mutex, env envelope.Envelope) {
	raw, err := envelope.Encode(env)
	if err != nil {
		s.logger.Error("failed to encode envelope", "error", err.Error())
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logger.Error("write failed", "error", err.Error())
	}
}
