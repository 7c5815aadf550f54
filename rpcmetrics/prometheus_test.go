package rpcmetrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jhump/rpcmux"
)

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg, "test")

	const method = "/svc.S/M"
	o.RequestStarted(method)
	o.RequestStarted(method)
	o.RequestStarted(method)
	o.RequestRejected(method)
	o.RequestExpired(method)
	o.RequestFailed(method, status.Error(codes.NotFound, "gone"))
	o.RequestFailed(method, &rpcmux.ClosedError{})
	o.RequestCompleted(method, 5*time.Millisecond, 0)
	o.RequestCompleted(method, 5*time.Millisecond, 2*time.Second)
	o.ProtocolError("10.0.0.1:1234", errors.New("reset"))

	assert.Equal(t, 3.0, testutil.ToFloat64(o.started.WithLabelValues(method)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rejected.WithLabelValues(method)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.expired.WithLabelValues(method)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.failed.WithLabelValues(method, codes.NotFound.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.failed.WithLabelValues(method, codes.Unavailable.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.completed.WithLabelValues(method)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.protocolErrors.WithLabelValues("10.0.0.1:1234")))

	// only the late response is recorded as overdue
	expected := `
# HELP test_rpc_response_overdue_seconds How far past their deadline late responses arrived.
# TYPE test_rpc_response_overdue_seconds histogram
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="0.001"} 0
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="0.01"} 0
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="0.1"} 0
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="1"} 0
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="10"} 1
test_rpc_response_overdue_seconds_bucket{method="/svc.S/M",le="+Inf"} 1
test_rpc_response_overdue_seconds_sum{method="/svc.S/M"} 2
test_rpc_response_overdue_seconds_count{method="/svc.S/M"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_rpc_response_overdue_seconds"))
	count, err := testutil.GatherAndCount(reg, "test_rpc_response_time_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "dup")
	assert.Panics(t, func() {
		New(reg, "dup")
	})
}
