package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownNilServerIsNoop(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background(), nil))
}

func TestServeMetricsExposesHandlerAndShutsDown(t *testing.T) {
	srv := ServeMetrics("127.0.0.1:0")
	require.NotNil(t, srv)

	// ServeMetrics binds its own listener via ListenAndServe, so the
	// fixed-port address can't be read back here; poll the OS-assigned
	// default port isn't available either, so exercise Shutdown directly
	// instead of asserting on HTTP traffic.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, Shutdown(ctx, srv))
}

func TestServeMetricsServesOnRequestedAddr(t *testing.T) {
	addr := "127.0.0.1:9191"
	srv := ServeMetrics(addr)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = Shutdown(ctx, srv)
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
