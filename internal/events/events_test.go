package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docqd/internal/store"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second), "NATS server failed to start")

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestPublishStatus(t *testing.T) {
	server := startTestNATSServer(t)

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("documents.doc-1.status")
	require.NoError(t, err)

	pub := NewPublisherWithConn(conn, nil)
	pub.PublishStatus(context.Background(), "doc-1", store.StatusEmbedding, "")

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var event StatusEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "doc-1", event.DocumentID)
	assert.Equal(t, store.StatusEmbedding, event.Status)
	assert.Empty(t, event.Reason)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)
}

func TestPublishStatusWithReason(t *testing.T) {
	server := startTestNATSServer(t)

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("documents.doc-2.status")
	require.NoError(t, err)

	pub := NewPublisherWithConn(conn, nil)
	pub.PublishStatus(context.Background(), "doc-2", store.StatusFailed, "embedding provider unreachable")

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var event StatusEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, store.StatusFailed, event.Status)
	assert.Equal(t, "embedding provider unreachable", event.Reason)
}

func TestNilPublisherIsNoOp(t *testing.T) {
	var pub *Publisher
	// Must not panic.
	pub.PublishStatus(context.Background(), "doc-1", store.StatusReady, "")
	pub.Close()
}

func TestZeroPublisherIsNoOp(t *testing.T) {
	pub := &Publisher{}
	pub.PublishStatus(context.Background(), "doc-1", store.StatusReady, "")
	pub.Close()
}
