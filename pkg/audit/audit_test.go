package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store/memory"
)

func TestSanitizeRedactsNestedSecrets(t *testing.T) {
	args := map[string]any{
		"path":     "/home/agent_1",
		"Password": "hunter2",
		"nested": map[string]any{
			"api_key": "sk-123",
			"list": []any{
				map[string]any{"TOKEN": "abc", "ok": 1},
			},
		},
	}

	got := Sanitize(args)

	assert.Equal(t, "/home/agent_1", got["path"])
	assert.Equal(t, "[REDACTED]", got["Password"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["api_key"])
	item := nested["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "[REDACTED]", item["TOKEN"])
	assert.Equal(t, 1, item["ok"])

	// Original untouched.
	assert.Equal(t, "hunter2", args["Password"])
}

func TestHashResult(t *testing.T) {
	assert.Empty(t, HashResult(nil))

	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashResult("hello"))

	// Only the first 1000 characters feed the hash.
	long := strings.Repeat("a", 5000)
	assert.Equal(t, HashResult(strings.Repeat("a", 1000)), HashResult(long))
	assert.NotEqual(t, HashResult("a"), HashResult("b"))
}

func TestLoggerPersistsAndQueries(t *testing.T) {
	st := memory.New()
	bus := events.NewBus()
	defer bus.Close()
	l := New(st, bus, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, l.LogToolInvocation(ctx, 3, "agent_3", "fs.write",
		"/home/agent_3/x.txt", map[string]any{"token": "nope"}, "ok"))
	require.NoError(t, l.LogAuthEvent(ctx, "operator", "login", nil))

	got, total, err := l.Query(ctx, models.AuditQuery{Kind: models.AuditToolInvocation})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "fs.write", got[0].Action)
	assert.Equal(t, "[REDACTED]", got[0].Args["token"])
	assert.NotEmpty(t, got[0].ResultHash)
}

func TestLoggerAutoSubscriptions(t *testing.T) {
	st := memory.New()
	bus := events.NewBus()
	defer bus.Close()
	l := New(st, bus, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	bus.Emit(events.EventProcessSpawned, 5, map[string]any{"uid": "agent_5"})
	bus.Emit(events.EventAgentAction, 5, map[string]any{"uid": "agent_5", "tool": "fs.read", "result": "data"})

	require.Eventually(t, func() bool {
		_, total, err := st.QueryAuditEntries(ctx, models.AuditQuery{})
		return err == nil && total == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, _, err := st.QueryAuditEntries(ctx, models.AuditQuery{Kind: models.AuditToolInvocation})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fs.read", got[0].Action)
	assert.Equal(t, 5, got[0].ActorPID)

	got, _, err = st.QueryAuditEntries(ctx, models.AuditQuery{Action: "agent.spawn"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AuditAdmin, got[0].Kind)
}

func TestLoggerPrune(t *testing.T) {
	st := memory.New()
	l := New(st, events.NewBus(), time.Hour, nil)
	ctx := context.Background()

	old := &models.AuditEntry{ID: "old", Timestamp: time.Now().Add(-2 * time.Hour), Kind: models.AuditAdmin, Action: "x"}
	fresh := &models.AuditEntry{ID: "new", Timestamp: time.Now(), Kind: models.AuditAdmin, Action: "y"}
	require.NoError(t, st.InsertAuditEntry(ctx, old))
	require.NoError(t, st.InsertAuditEntry(ctx, fresh))

	pruned, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
