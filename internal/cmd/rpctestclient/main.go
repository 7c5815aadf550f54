package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jhump/rpcmux"
	"github.com/jhump/rpcmux/internal"
	"github.com/jhump/rpcmux/internal/cmdutil"
	"github.com/jhump/rpcmux/internal/testservice"
)

type clientFlags struct {
	serverPort  int
	workers     int
	duration    time.Duration
	keepAlive   time.Duration
	frameFormat string
	log         cmdutil.LogFlags
}

func main() {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:          "rpctestclient",
		Short:        "Sends a burst of echo requests to rpctestsvr",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}
	cmd.Flags().IntVar(&flags.serverPort, "server-port", 26354, "the port on which the server is listening")
	cmd.Flags().IntVar(&flags.workers, "workers", 4, "the number of goroutines issuing requests")
	cmd.Flags().DurationVar(&flags.duration, "duration", 5*time.Second, "how long to keep issuing requests")
	cmd.Flags().DurationVar(&flags.keepAlive, "keepalive", time.Second, "the keep-alive ping interval; zero to disable")
	cmd.Flags().StringVar(&flags.frameFormat, "frame-format", "none", "frame compression: none, snappy or zstd")
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

func run(ctx context.Context, flags clientFlags) error {
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

	client := rpcmux.NewClient(
		rpcmux.WithLogger(logger),
		rpcmux.WithKeepAlive(flags.keepAlive),
		format,
	)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := client.Dial(dialCtx, fmt.Sprintf("127.0.0.1:%d", flags.serverPort))
	if err != nil {
		client.Close()
		return err
	}
	logger.Info("connected", zap.String("addr", conn.Address()))

	var issued atomic.Int64
	echo := testservice.NewEchoClient(withClientCounts(rpcmux.NewChannel(conn), &issued))
	stats, err := internal.SendRequests(ctx, echo, flags.workers, flags.duration)
	logger.Info("finished sending requests",
		zap.Int64("issued", issued.Load()),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("rejected", stats.Rejected),
		zap.Error(err),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := client.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("connections did not close gracefully", zap.Error(shutdownErr))
	}
	return err
}

func withClientCounts(ch grpc.ClientConnInterface, counts *atomic.Int64) grpc.ClientConnInterface {
	return grpchan.InterceptClientConn(
		ch,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			counts.Add(1)
			return invoker(ctx, method, req, reply, cc, opts...)
		},
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			counts.Add(1)
			return streamer(ctx, desc, cc, method, opts...)
		},
	)
}
