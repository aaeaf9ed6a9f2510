package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/metrics"
)

func TestNewRegistersDistinctMetrics(t *testing.T) {
	r := metrics.New()
	require.NotNil(t, r.SchedulerIdleTicks)
	require.NotNil(t, r.ProcessesLive)
	require.NotNil(t, r.IPCQueueDepth)
}

func TestHandlerExportsUpdatedValues(t *testing.T) {
	r := metrics.New()
	r.SchedulerBusyTicks.Add(3)
	r.ProcessesLive.Set(2)
	r.IPCQueueDepth.WithLabelValues("7").Set(5)
	r.SpawnFailuresTotal.WithLabelValues("process_table_full").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.Nil(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := metrics.New()
	b := metrics.New()
	a.HeapLeaksDropped.Inc()
	b.HeapLeaksDropped.Add(4)

	srvA := httptest.NewServer(a.Handler())
	defer srvA.Close()
	srvB := httptest.NewServer(b.Handler())
	defer srvB.Close()

	respA, err := http.Get(srvA.URL)
	require.Nil(t, err)
	defer respA.Body.Close()
	respB, err := http.Get(srvB.URL)
	require.Nil(t, err)
	defer respB.Body.Close()
	assert.Equal(t, http.StatusOK, respA.StatusCode)
	assert.Equal(t, http.StatusOK, respB.StatusCode)
}
