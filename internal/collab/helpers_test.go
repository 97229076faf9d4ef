package collab

import (
	"context"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testHub struct {
	*Hub
	clock   *clock.Fake
	members *StaticMembership
}

func newTestHub(t *testing.T, opts HubOptions) *testHub {
	t.Helper()
	fake := clock.NewFake(testEpoch)
	members, _ := opts.Membership.(*StaticMembership)
	if opts.Membership == nil {
		members = NewStaticMembership(map[string][]string{
			"ws_1": {"alice", "bob", "carol"},
			"ws_2": {"alice"},
		})
		opts.Membership = members
	}
	opts.Clock = fake
	opts.DisableSweeper = true
	hub := NewHub(opts)
	t.Cleanup(func() { _ = hub.Close() })
	return &testHub{Hub: hub, clock: fake, members: members}
}

func (h *testHub) connect(t *testing.T, connectionID, userID string, workspaces ...string) *Connection {
	t.Helper()
	conn, err := h.Connect(context.Background(), connectionID, userID)
	require.NoError(t, err)
	for _, workspaceID := range workspaces {
		_, err := h.Join(context.Background(), connectionID, workspaceID)
		require.NoError(t, err)
	}
	return conn
}

// drain returns everything currently buffered on the connection's outbox.
func drain(conn *Connection) []Message {
	var out []Message
	for {
		select {
		case msg := <-conn.outbox.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func messageTypes(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Type)
	}
	return out
}

func presenceNotices(msgs []Message, messageType string) []PresenceNotice {
	var out []PresenceNotice
	for _, msg := range msgs {
		if msg.Type != messageType {
			continue
		}
		if notice, ok := msg.Data.(PresenceNotice); ok {
			out = append(out, notice)
		}
	}
	return out
}
