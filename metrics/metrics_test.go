package metrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func TestServe(t *testing.T) {
	addr := freeAddr(t)

	metrics.VCPUConstructTotal.WithLabelValues("serve-test", metrics.ResultOK).Inc()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- metrics.Serve(ctx, addr) }()

	var body string

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}

		body = string(b)

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, strings.Contains(body, `govcpu_vcpu_construct_total{result="ok",variant="serve-test"} 1`), body)

	cancel()
	assert.NoError(t, <-errc)
}

func TestServeBadAddress(t *testing.T) {
	t.Parallel()

	assert.Error(t, metrics.Serve(context.Background(), "127.0.0.1:-1"))
}
