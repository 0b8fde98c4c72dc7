package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/framesock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serveEcho        bool
	serveMetricsAddr string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and log every received message",
	Long: `Accept TCP connections and rebuild length-prefixed messages from the byte
stream. JSON payloads are summarized in the log; with --echo every payload is
sent back to its sender.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVarP(&serveEcho, "echo", "e", false, "send every received payload back")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address for the /metrics endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = serveMetricsAddr
	}

	logger := newLogger(os.Stderr, cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics, err := framesock.NewMetrics(reg)
	if err != nil {
		return err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.Addr)
	}

	connOpts := append(cfg.Options(), framesock.MetricsOption(metrics))
	server, err := framesock.New(tcpAddr,
		framesock.ServerLoggerOption(framesock.NewZerologLogger(logger)),
		framesock.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
		framesock.ServerConnOptions(connOpts...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, logger, cfg.MetricsAddr, reg)
	}

	logger.Info().Str("addr", server.Addr().String()).Uint32("max_payload", cfg.MaxPayload).Msg("server running")

	err = server.Serve(ctx, &logHandler{logger: logger, echo: serveEcho})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info().Str("addr", addr).Msg("metrics endpoint running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics endpoint stopped")
	}
}

// logHandler logs each message and optionally echoes it back.
type logHandler struct {
	logger zerolog.Logger
	echo   bool
}

func (h *logHandler) OnMessage(conn *framesock.Conn, message framesock.Message) error {
	ev := h.logger.Info().Str("conn_id", conn.ID()).Int("bytes", message.Length())

	m, ok := describe(message.Body())
	switch {
	case !ok:
		ev.Msg("opaque payload received")
	case m.Numbers != nil:
		ev.Int("numbers", len(m.Numbers)).Msg("numbers message received")
	case m.Type != "":
		ev.Str("type", m.Type).Int("id", m.ID).Int("payload_length", len(m.Payload)).Msg("block message received")
	default:
		ev.Msg("json message received")
	}

	if !h.echo {
		return nil
	}
	return conn.WriteTimeout(message, time.Second)
}

func (h *logHandler) OnClose(conn *framesock.Conn, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.logger.Info().Str("conn_id", conn.ID()).Msg("client disconnected")
	case errors.Is(err, framesock.ErrTruncatedStream):
		h.logger.Warn().Str("conn_id", conn.ID()).Err(err).Msg("client disappeared mid-message")
	default:
		h.logger.Warn().Str("conn_id", conn.ID()).Err(err).Msg("connection failed")
	}
}
