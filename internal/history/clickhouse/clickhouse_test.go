package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bootvisor/internal/history"
)

func startClickHouse(t *testing.T) Options {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	c, err := tcclickhouse.Run(ctx, "clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("bootvisor"),
		tcclickhouse.WithPassword("bootvisor"),
		tcclickhouse.WithDatabase("launches"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return Options{Addr: host + ":" + port.Port(), Database: "launches", Username: "bootvisor", Password: "bootvisor"}
}

func TestSendAndRecent(t *testing.T) {
	opts := startClickHouse(t)
	ctx := context.Background()

	sink, err := New(opts)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	rec := history.Record{PID: 12345, Executable: "/opt/app/orders.jar", Profile: "prod", StartedAt: started}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: started, Record: rec}))

	code := 0
	rec.StoppedAt = started.Add(time.Minute)
	rec.ExitCode = &code
	rec.Reason = "requested"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: rec.StoppedAt, Record: rec}))

	evts, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, history.EventStop, evts[0].Type)
	assert.Equal(t, 12345, evts[0].Record.PID)
	require.NotNil(t, evts[0].Record.ExitCode)
	assert.Equal(t, 0, *evts[0].Record.ExitCode)
	assert.True(t, evts[0].Record.StoppedAt.Equal(rec.StoppedAt))
	assert.Equal(t, history.EventStart, evts[1].Type)
	assert.Nil(t, evts[1].Record.ExitCode)
	assert.True(t, evts[1].Record.StoppedAt.IsZero())
}

func TestNewRejectsBadTableName(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:9000", Table: "events; DROP TABLE x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestNewConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
