package resource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
)

func TestRecordTokenUsageAccumulates(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	g := NewGovernor(bus, nil, nil)
	g.Track(1, "anthropic")

	g.RecordTokenUsage(1, 1000, 500)
	u := g.RecordTokenUsage(1, 2000, 1000)

	assert.Equal(t, int64(3000), u.InputTokens)
	assert.Equal(t, int64(1500), u.OutputTokens)
	assert.Equal(t, 2, u.Steps)
	// 3000 in at $3/MTok + 1500 out at $15/MTok.
	assert.InDelta(t, 3000.0/1e6*3.0+1500.0/1e6*15.0, u.EstimatedCost, 1e-9)
}

func TestUnknownProviderUsesDefaultRate(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	g := NewGovernor(bus, nil, nil)
	g.Track(1, "mystery")

	u := g.RecordTokenUsage(1, 1_000_000, 0)
	assert.InDelta(t, 5.0, u.EstimatedCost, 1e-9)
}

func TestQuotaEnforcementPreempts(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var signalled []models.Signal
	g := NewGovernor(bus, func(pid int, sig models.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		signalled = append(signalled, sig)
		return nil
	}, nil)

	sub := bus.Subscribe(events.EventResourceExceeded, 8)
	defer bus.Unsubscribe(sub)

	g.Track(7, "openai")
	limit := int64(1000)
	g.SetQuota(7, models.Quota{MaxTokensPerSession: &limit})

	g.RecordTokenUsage(7, 600, 0)
	check := g.CheckQuota(7)
	assert.True(t, check.Allowed)

	g.RecordTokenUsage(7, 600, 0)
	check = g.CheckQuota(7)
	require.False(t, check.Allowed)
	assert.Equal(t, "Session token limit exceeded", check.Reason)

	ev := <-sub.Events()
	assert.Equal(t, 7, ev.PID)
	assert.Equal(t, "Session token limit exceeded", ev.Field("reason"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, signalled, 1)
	assert.Equal(t, models.SIGTERM, signalled[0])
}

func TestStepLimit(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	g := NewGovernor(bus, nil, nil)
	g.Track(2, "")
	steps := 3
	g.SetQuota(2, models.Quota{MaxSteps: &steps})

	for i := 0; i < 3; i++ {
		g.RecordTokenUsage(2, 1, 1)
	}
	assert.True(t, g.CheckQuota(2).Allowed)
	g.RecordTokenUsage(2, 1, 1)
	check := g.CheckQuota(2)
	require.False(t, check.Allowed)
	assert.Equal(t, "Step limit exceeded", check.Reason)
}

func TestEffectiveQuotaFillsDefaults(t *testing.T) {
	g := NewGovernor(events.NewBus(), nil, nil)
	steps := 10
	g.SetQuota(3, models.Quota{MaxSteps: &steps})

	q := g.EffectiveQuota(3)
	assert.Equal(t, 10, *q.MaxSteps)
	assert.Equal(t, DefaultMaxTokensPerSession, *q.MaxTokensPerSession)
	assert.Equal(t, DefaultMaxWallClockMS, *q.MaxWallClockMS)
}

func TestRunawayDetection(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	g := NewGovernor(bus, nil, nil)
	g.Track(4, "")
	limit := int64(100)
	g.SetQuota(4, models.Quota{MaxTokensPerSession: &limit})

	// 10 % over quota is exceeded but not yet runaway.
	g.RecordTokenUsage(4, 110, 0)
	assert.False(t, g.IsRunaway(4))

	// Past 20 % over quota.
	g.RecordTokenUsage(4, 20, 0)
	assert.True(t, g.IsRunaway(4))

	g.Release(4)
	assert.False(t, g.IsRunaway(4))
	assert.Nil(t, g.Usage(4))
}

func TestCheckQuotaUntrackedAllowed(t *testing.T) {
	g := NewGovernor(events.NewBus(), nil, nil)
	assert.True(t, g.CheckQuota(99).Allowed)
}
