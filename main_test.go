package main

import (
	"errors"
	"net"
	"testing"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/db"
	"github.com/EmpoweredVote/EV-Geofences/internal/events"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func TestRun_ConsumerFailureStartsNothing(t *testing.T) {
	broken := errors.New("bad broker list")
	orig := newConsumer
	newConsumer = func([]string, string, []string) (events.Consumer, error) { return nil, broken }
	t.Cleanup(func() { newConsumer = orig })

	port := freePort(t)
	cfg := config.Config{
		Port:               port,
		DatabaseURL:        "postgres://127.0.0.1:1/unreachable",
		KafkaBrokers:       []string{"127.0.0.1:9092"},
		KafkaGroupID:       "geofences",
		KafkaCommandTopics: []string{"geofences.commands"},
		RateLimit:          config.RateLimit{RPS: 1, Burst: 1},
		Tuning:             config.DefaultTuning(),
	}

	err := run(cfg, logging.Discard(), nil)
	require.ErrorIs(t, err, broken)
	assert.Nil(t, db.DB, "no database connection is opened")

	ln, err := net.Listen("tcp", "0.0.0.0:"+port)
	require.NoError(t, err, "the HTTP port is left unbound")
	ln.Close()
}

func TestRun_InvalidConfig(t *testing.T) {
	err := run(config.Config{}, logging.Discard(), nil)
	assert.ErrorIs(t, err, config.ErrMissingDatabaseURL)
}
