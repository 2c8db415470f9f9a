package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3rs4lg4d0/stockbox/emitter/kafkago"
	"github.com/3rs4lg4d0/stockbox/logger"
	zerologger "github.com/3rs4lg4d0/stockbox/logger/zerolog"
	"github.com/3rs4lg4d0/stockbox/metrics"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository/memory"
)

func TestOpenStore(t *testing.T) {
	testcases := []struct {
		name    string
		driver  string
		wantErr string
	}{
		{name: "memory store", driver: "memory"},
		{name: "unknown driver", driver: "mongo", wantErr: "unknown store driver 'mongo'"},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := openStore(context.Background(), &Config{StoreDriver: tc.driver})
			if tc.wantErr != "" {
				assert.EqualError(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			defer st.close()
			assert.IsType(t, &memory.Store{}, st.outbox)
			assert.Same(t, st.outbox, st.stock)
		})
	}
}

func TestNewLogger(t *testing.T) {
	testcases := []struct {
		name    string
		backend string
		level   string
		wantErr bool
	}{
		{name: "zerolog", backend: "zerolog", level: "debug"},
		{name: "zap", backend: "zap", level: "warn"},
		{name: "invalid zerolog level", backend: "zerolog", level: "loud", wantErr: true},
		{name: "invalid zap level", backend: "zap", level: "loud", wantErr: true},
		{name: "unknown backend", backend: "logrus", level: "info", wantErr: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := newLogger(&Config{LogBackend: tc.backend, LogLevel: tc.level})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, component(l, "test"))
		})
	}
}

func TestComponentTagsZerolog(t *testing.T) {
	l, err := newLogger(&Config{LogBackend: "zerolog", LogLevel: "info"})
	require.NoError(t, err)

	c := component(l, "dispatcher")
	assert.IsType(t, &zerologger.Logger{}, c)
	assert.NotSame(t, l, c)
}

func TestNewCounterFactory(t *testing.T) {
	for _, backend := range []string{"prometheus", "tally"} {
		t.Run(backend, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			counters, closeCounters, err := newCounterFactory(&Config{MetricsBackend: backend, MetricsNamespace: "stockbox"}, reg)
			require.NoError(t, err)
			defer closeCounters()

			for _, id := range []string{"d1", "d2"} {
				published, failed, deadLettered, err := counters(id)
				require.NoError(t, err)
				published.Inc(2)
				failed.Inc(1)
				deadLettered.Inc(0)
			}
		})
	}

	_, _, err := newCounterFactory(&Config{MetricsBackend: "statsd"}, prometheus.NewRegistry())
	assert.EqualError(t, err, "unknown metrics backend 'statsd'")
}

func TestNewDispatchers(t *testing.T) {
	store := memory.New(txCtxKey{})
	emitter := kafkago.New(kafkago.NewWriter("localhost:19092"))
	settings := outbox.Settings{}

	testcases := []struct {
		name      string
		failAfter int
		wantLen   int
		wantErr   bool
	}{
		{name: "all dispatchers built", failAfter: -1, wantLen: 3},
		{name: "counter failure on the second dispatcher", failAfter: 1, wantErr: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			counters := func(string) (metrics.Counter, metrics.Counter, metrics.Counter, error) {
				defer func() { calls++ }()
				if tc.failAfter >= 0 && calls >= tc.failAfter {
					return nil, nil, nil, errors.New("already registered")
				}
				return &metrics.NopCounter{}, &metrics.NopCounter{}, &metrics.NopCounter{}, nil
			}

			dispatchers, err := newDispatchers(3, settings, store, emitter, counters, &logger.NopLogger{})
			if tc.wantErr {
				assert.ErrorContains(t, err, "already registered")
				assert.Nil(t, dispatchers)
				return
			}
			require.NoError(t, err)
			assert.Len(t, dispatchers, tc.wantLen)
			ids := map[string]bool{}
			for _, d := range dispatchers {
				ids[d.ID().String()] = true
			}
			assert.Len(t, ids, tc.wantLen)
		})
	}
}

func TestNewEmitterUnknownDriver(t *testing.T) {
	_, _, err := newEmitter(&Config{BusDriver: "nats"})
	assert.EqualError(t, err, "unknown bus driver 'nats'")
}

func TestNewCoordinatorFallback(t *testing.T) {
	c, closeCoord, err := newCoordinator(&Config{})
	require.NoError(t, err)
	defer closeCoord()

	ok, err := c.SetNX(context.Background(), "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
