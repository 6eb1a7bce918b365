package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
)

// readSSEData scans the stream for the next "data:" line.
func readSSEData(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before a data line arrived: %v", scanner.Err())
	return ""
}

func TestSSEStream(t *testing.T) {
	k := newTestKernel(t)
	ts := httptest.NewServer(k.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?filter=process.*", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })

	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	scanner := bufio.NewScanner(res.Body)

	first := readSSEData(t, scanner)
	assert.JSONEq(t, `{"type":"connected"}`, first)

	// The handler's subscription races the first read; keep publishing
	// until a frame arrives. The skill event must never show up because
	// the filter only admits process.* types.
	pubCtx, stopPub := context.WithCancel(context.Background())
	defer stopPub()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			k.bus.Emit("skill.complete", 0, nil)
			k.bus.Emit("process.exit", 42, map[string]any{"code": 0})
			select {
			case <-pubCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, scanner)), &ev))
	assert.Equal(t, "process.exit", ev.Type)
	assert.Equal(t, 42, ev.PID)
}
