package supervisor

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/vfs"
)

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, *events.Bus, *vfs.FS) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	fs, err := vfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Init())
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(fs, bus, "http://127.0.0.1:7777/mcp", nil, opts...), bus, fs
}

func testProcess(pid int, kind models.RuntimeKind) models.Process {
	return models.Process{
		PID:     pid,
		UID:     "agent_1",
		WorkDir: "/home/agent_1",
		Config:  models.SpawnConfig{Role: "tester", Goal: "hello", Runtime: kind},
		Env:     map[string]string{"AETHER_PID": "1"},
	}
}

func TestOutputBufferTruncatesFromHead(t *testing.T) {
	buf := newOutputBuffer(10)
	buf.Append([]byte("0123456789"))
	buf.Append([]byte("abc"))
	assert.Equal(t, "3456789abc", buf.String())
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	sup, bus, fs := newTestSupervisor(t,
		WithCommand(models.RuntimeBuiltin, "sh", "-c", "echo out-line; echo err-line >&2 #"))

	outSub := bus.Subscribe(events.EventSubprocessOutput, 16)
	defer bus.Unsubscribe(outSub)
	exitSub := bus.Subscribe(events.EventSubprocessExited, 4)
	defer bus.Unsubscribe(exitSub)

	exited := make(chan int, 1)
	sup.OnExit = func(pid, code int) { exited <- code }

	info, err := sup.Start(testProcess(1, models.RuntimeBuiltin))
	require.NoError(t, err)
	assert.Equal(t, 1, info.PID)
	assert.NotZero(t, info.OSPID)

	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit")
	}

	ev := <-exitSub.Events()
	assert.Equal(t, 0, ev.Field("code"))
	assert.Nil(t, sup.Get(1))

	// Both streams published on the bus.
	streams := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-outSub.Events():
			streams[ev.Field("stream").(string)] = ev.Field("chunk").(string)
		case <-time.After(time.Second):
			t.Fatal("missing output event")
		}
	}
	assert.Equal(t, "out-line", streams["stdout"])
	assert.Equal(t, "err-line", streams["stderr"])

	// Working directory was materialized.
	briefing, _, err := fs.ReadFile("/home/agent_1/AGENT.md")
	require.NoError(t, err)
	assert.Contains(t, briefing, "Role: tester")
	assert.Contains(t, briefing, "http://127.0.0.1:7777/mcp")

	raw, err := fs.ReadFileRaw("/home/agent_1/.aether/manifest.json")
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "agent_1", manifest["uid"])
	assert.Equal(t, "http://127.0.0.1:7777/mcp", manifest["mcp_endpoint"])
}

func TestSendInputAndStop(t *testing.T) {
	sup, _, _ := newTestSupervisor(t,
		WithCommand(models.RuntimeBuiltin, "sh", "-c", "while read line; do echo got:$line; done #"))

	exited := make(chan int, 1)
	sup.OnExit = func(pid, code int) { exited <- code }

	_, err := sup.Start(testProcess(2, models.RuntimeBuiltin))
	require.NoError(t, err)

	require.NoError(t, sup.SendInput(2, "ping"))
	require.Eventually(t, func() bool {
		stdout, _, err := sup.Output(2)
		return err == nil && strings.Contains(stdout, "got:ping")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Stop(2))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not reap child")
	}
	_, _, err = sup.Output(2)
	assert.ErrorIs(t, err, ErrNotSupervised)
}

func TestUnknownRuntimeAndPID(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	_, err := sup.Start(testProcess(3, models.RuntimeKind("mystery")))
	assert.Error(t, err)

	assert.ErrorIs(t, sup.Stop(42), ErrNotSupervised)
	assert.ErrorIs(t, sup.SendInput(42, "x"), ErrNotSupervised)
	assert.ErrorIs(t, sup.Pause(42), ErrNotSupervised)
	assert.Empty(t, sup.List())
}
