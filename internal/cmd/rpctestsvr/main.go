package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jhump/rpcmux"
	"github.com/jhump/rpcmux/internal/cmdutil"
	"github.com/jhump/rpcmux/internal/testservice"
	"github.com/jhump/rpcmux/rpcmetrics"
)

type serverFlags struct {
	port            int
	loops           int
	metricsAddr     string
	frameFormat     string
	shutdownTimeout time.Duration
	log             cmdutil.LogFlags
}

func main() {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:          "rpctestsvr",
		Short:        "Serves the echo test service over rpcmux",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.Flags().IntVar(&flags.port, "port", 26354, "the port on which this server will listen")
	cmd.Flags().IntVar(&flags.loops, "loops", 1, "the number of loops connections are spread across")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "127.0.0.1:9102", "the address on which /metrics is served; empty to disable")
	cmd.Flags().StringVar(&flags.frameFormat, "frame-format", "none", "frame compression: none, snappy or zstd")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for connections to drain on shutdown")
	cmd.Flags().StringVar(&flags.log.Level, "log-level", "info", "the minimum level of messages to log")
	cmd.Flags().StringVar(&flags.log.File, "log-file", "", "a file to log to, with rotation, instead of stderr")
	cmd.Flags().IntVar(&flags.log.MaxSizeMB, "log-max-size", 100, "the size in megabytes at which the log file is rotated")
	cmd.Flags().IntVar(&flags.log.MaxBackups, "log-max-backups", 3, "the number of rotated log files to keep")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, flags serverFlags) error {
	logger, err := cmdutil.NewLogger(flags.log)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	format, err := cmdutil.FrameFormat(flags.frameFormat)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	svr := rpcmux.NewServer(
		rpcmux.WithLogger(logger),
		rpcmux.WithObserver(rpcmetrics.New(reg, "rpctestsvr")),
		rpcmux.WithLoops(flags.loops),
		format,
	)
	var served atomic.Int64
	testservice.RegisterEchoServer(withServerCounts(svr, &served), testservice.Server{})

	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSvr := &http.Server{Addr: flags.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			_ = metricsSvr.Close()
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", flags.port))
	if err != nil {
		return err
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", flags.shutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.shutdownTimeout)
		defer cancel()
		if err := svr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("connections did not drain in time", zap.Error(err))
		}
	}()
	// This only returns on failure or after a signal starts shutdown.
	if err := svr.Serve(lis); err != nil {
		logger.Error("server failed", zap.Error(err))
		svr.Stop()
		return err
	}
	<-stopped
	logger.Info("server stopped", zap.Int64("requests_served", served.Load()))
	return nil
}

func withServerCounts(reg grpc.ServiceRegistrar, counts *atomic.Int64) grpc.ServiceRegistrar {
	return grpchan.WithInterceptor(
		reg,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
			counts.Add(1)
			return handler(ctx, req)
		},
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			counts.Add(1)
			return handler(srv, ss)
		},
	)
}
