package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeEmptyCheckPasses(t *testing.T) {
	assert.True(t, Probe(context.Background(), "", time.Second))
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, Probe(context.Background(), srv.URL, time.Second))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	assert.False(t, Probe(context.Background(), bad.URL, time.Second))
}

func TestProbeTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	addr := fmt.Sprintf("tcp://%s", l.Addr().String())
	assert.True(t, Probe(context.Background(), addr, time.Second))
	assert.False(t, Probe(context.Background(), "tcp://127.0.0.1:1", 200*time.Millisecond))
}

func TestProbeCommand(t *testing.T) {
	assert.True(t, Probe(context.Background(), "cmd:true", time.Second))
	assert.False(t, Probe(context.Background(), "cmd:false", time.Second))
}

func TestProbeUnknownSchemeFails(t *testing.T) {
	assert.False(t, Probe(context.Background(), "gopher://x", time.Second))
}
