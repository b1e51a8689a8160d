package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}

func TestHelpersUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(messagesRelayed.WithLabelValues("user"))
	IncMessageRelayed(" USER ")
	assert.Equal(t, before+1, testutil.ToFloat64(messagesRelayed.WithLabelValues("user")))

	IncFrameRejected("MESSAGE_TOO_LARGE")
	assert.GreaterOrEqual(t, testutil.ToFloat64(framesRejected.WithLabelValues("message_too_large")), 1.0)

	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.GreaterOrEqual(t, testutil.ToFloat64(activeConnections), 1.0)

	SetSessionsActive(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(sessionsActive))

	failuresBefore := testutil.ToFloat64(broadcastFailures)
	AddBroadcastFailures(0)
	AddBroadcastFailures(2)
	assert.Equal(t, failuresBefore+2, testutil.ToFloat64(broadcastFailures))

	ObserveStoreOp("store_message", time.Now(), nil)
	ObserveStoreOp("store_message", time.Now(), errors.New("x"))
	assert.Equal(t, 2, testutil.CollectAndCount(storeOpLatency))
}
