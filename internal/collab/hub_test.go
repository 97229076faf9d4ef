package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubJoinSnapshotIncludesJoiner(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	h.connect(t, "c1", "alice", "ws_1")
	_, err := h.Connect(context.Background(), "c2", "bob")
	require.NoError(t, err)

	snapshot, err := h.Join(context.Background(), "c2", " ws_1 ")
	require.NoError(t, err)
	assert.Equal(t, "ws_1", snapshot.WorkspaceID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, snapshot.UserIDs)
}

func TestHubHeartbeatRequiresJoinedConnection(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	h.connect(t, "c1", "alice", "ws_1")

	assert.ErrorIs(t, h.Heartbeat("missing", "ws_1"), ErrNotFound)
	assert.ErrorIs(t, h.Heartbeat("c1", "ws_2"), ErrForbidden)
	assert.NoError(t, h.Heartbeat("c1", "ws_1"))
	assert.NoError(t, h.Joined("c1", "ws_1"))

	h.Leave("c1", "ws_1")
	assert.ErrorIs(t, h.Joined("c1", "ws_1"), ErrForbidden)
	_, err := h.Members("c1", "ws_1")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHubAuthorize(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	ctx := context.Background()

	assert.NoError(t, h.Authorize(ctx, "ws_2", "alice"))
	assert.ErrorIs(t, h.Authorize(ctx, "ws_2", "bob"), ErrForbidden)
	assert.ErrorIs(t, h.Authorize(ctx, "ws_1", " "), ErrUnauthenticated)

	lookupErr := errors.New("membership store down")
	failing := newTestHub(t, HubOptions{Membership: MembershipFunc(func(context.Context, string, string) (bool, error) {
		return false, lookupErr
	})})
	assert.ErrorIs(t, failing.Authorize(ctx, "ws_1", "alice"), lookupErr)
}

func TestHubDisconnectTakesUserOffline(t *testing.T) {
	h := newTestHub(t, HubOptions{})
	alice := h.connect(t, "c1", "alice", "ws_1")
	h.connect(t, "c2", "bob", "ws_1")
	drain(alice)

	h.Disconnect("c2")
	offline := presenceNotices(drain(alice), TypeUserOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "bob", offline[0].UserID)

	snapshot, err := h.Members("c1", "ws_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snapshot.UserIDs)
}

func TestValidateWorkbookBody(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{name: "empty object", body: `{}`, ok: true},
		{name: "sheet array", body: `{"sheets":[{"name":"Budget","rows":[["a",1]]}]}`, ok: true},
		{name: "sheet map", body: `{"sheets":{"s1":{"name":"Budget","cellData":{"0":{}}}},"activeSheet":"s1"}`, ok: true},
		{name: "extra fields", body: `{"theme":"dark","sheets":[]}`, ok: true},
		{name: "blank", body: `  `},
		{name: "array root", body: `[1,2]`},
		{name: "malformed", body: `{"sheets":`},
		{name: "rows not arrays", body: `{"sheets":[{"rows":[1]}]}`},
		{name: "sheet order numbers", body: `{"sheetOrder":[1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWorkbookBody(json.RawMessage(tc.body))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
