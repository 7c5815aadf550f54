package internal

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/rpcmux/internal/testservice"
)

// LoadStats summarizes a run of SendRequests.
type LoadStats struct {
	Succeeded int64
	// Rejected counts requests refused because the connection was
	// overloaded. Those are expected under load and are not errors.
	Rejected int64
}

// SendRequests uses the given number of goroutines to send Echo requests as
// fast as they are answered, until the given duration has passed. It stops
// early, returning the error, if any request fails for a reason other than
// overload.
func SendRequests(ctx context.Context, client testservice.EchoClient, workers int, duration time.Duration) (LoadStats, error) {
	var succeeded, rejected atomic.Int64
	var done atomic.Bool
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)
	payload := strings.Repeat("0123", 100)
	for i := 0; i < workers; i++ {
		grp.Go(func() error {
			for !done.Load() {
				reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
				_, err := client.Echo(reqCtx, wrapperspb.String(payload))
				reqCancel()
				switch status.Code(err) {
				case codes.OK:
					succeeded.Add(1)
				case codes.ResourceExhausted:
					rejected.Add(1)
					time.Sleep(time.Millisecond)
				default:
					if done.Load() {
						return nil
					}
					return err
				}
			}
			return nil
		})
	}
	timer := time.AfterFunc(duration, func() {
		done.Store(true)
	})
	defer timer.Stop()
	err := grp.Wait()
	return LoadStats{Succeeded: succeeded.Load(), Rejected: rejected.Load()}, err
}
