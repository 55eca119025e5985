package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
)

func TestDegradationRegistry_Transitions(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewDegradationRegistry(clock)
	r.RegisterFeature("coverage", nil)

	var got []DegradationEvent
	r.Subscribe(func(e DegradationEvent) { got = append(got, e) })

	require.NoError(t, r.DegradeFeature("coverage", "slow"))
	require.NoError(t, r.DisableFeature("coverage", "missing binary"))
	require.NoError(t, r.RestoreFeature("coverage"))

	require.Len(t, got, 3)
	assert.Equal(t, FeatureDegraded, got[0].Status)
	assert.Equal(t, "slow", got[0].Reason)
	assert.Equal(t, FeatureUnavailable, got[1].Status)
	assert.Equal(t, FeatureAvailable, got[2].Status)
	assert.Equal(t, clock.Now(), got[2].Timestamp)

	f, err := r.Status("coverage")
	require.NoError(t, err)
	assert.Equal(t, FeatureAvailable, f.Status)
	assert.Empty(t, f.Reason)
}

func TestDegradationRegistry_UnknownFeature(t *testing.T) {
	r := NewDegradationRegistry(nil)

	assert.True(t, api.IsNotFound(r.DegradeFeature("nope", "x")))
	assert.True(t, api.IsNotFound(r.DisableFeature("nope", "x")))
	assert.True(t, api.IsNotFound(r.RestoreFeature("nope")))
	_, err := r.Status("nope")
	assert.True(t, api.IsNotFound(err))

	ran := false
	err = r.ExecuteWithFallback(context.Background(), "nope", func(context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestDegradationRegistry_ListenerPanicIsolated(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("screenshot", nil)

	delivered := 0
	r.Subscribe(func(DegradationEvent) { panic("listener failure") })
	r.Subscribe(func(DegradationEvent) { delivered++ })

	assert.NotPanics(t, func() {
		require.NoError(t, r.DisableFeature("screenshot", "no display"))
	})
	assert.Equal(t, 1, delivered)
}

func TestExecuteWithFallback_UnavailableWithoutFallback(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("debugger", nil)
	require.NoError(t, r.DisableFeature("debugger", "not installed"))

	ran := false
	err := r.ExecuteWithFallback(context.Background(), "debugger", func(context.Context) error {
		ran = true
		return nil
	})

	assert.False(t, ran)
	assert.True(t, api.IsIntegrationUnavailable(err))
	assert.ErrorContains(t, err, "not installed")
}

func TestExecuteWithFallback_UnavailableUsesFallback(t *testing.T) {
	r := NewDegradationRegistry(nil)
	fallbackRuns := 0
	r.RegisterFeature("coverage", func(context.Context) error {
		fallbackRuns++
		return nil
	})
	require.NoError(t, r.DisableFeature("coverage", "off"))

	err := r.ExecuteWithFallback(context.Background(), "coverage", func(context.Context) error {
		t.Fatal("primary must not run while unavailable")
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, fallbackRuns)
}

func TestExecuteWithFallback_ShouldDegradeTriggersFallback(t *testing.T) {
	r := NewDegradationRegistry(nil)
	fallbackRuns := 0
	r.RegisterFeature("coverage", func(context.Context) error {
		fallbackRuns++
		return nil
	})

	err := r.ExecuteWithFallback(context.Background(), "coverage", func(context.Context) error {
		return api.MarkDegrading(errors.New("coverage tool crashed"))
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, fallbackRuns)
	f, _ := r.Status("coverage")
	assert.Equal(t, FeatureDegraded, f.Status)
	assert.Equal(t, "coverage tool crashed", f.Reason)

	// Degraded features still try the primary path
	primaryRuns := 0
	require.NoError(t, r.ExecuteWithFallback(context.Background(), "coverage", func(context.Context) error {
		primaryRuns++
		return nil
	}))
	assert.Equal(t, 1, primaryRuns)
}

func TestExecuteWithFallback_PlainErrorPropagates(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("coverage", func(context.Context) error {
		t.Fatal("fallback must not run for ordinary errors")
		return nil
	})

	boom := errors.New("boom")
	err := r.ExecuteWithFallback(context.Background(), "coverage", func(context.Context) error { return boom })

	assert.Same(t, boom, err)
	assert.True(t, r.IsAvailable("coverage"))
}

func TestExecuteWithFallback_DegradeWithoutFallbackReturnsOriginal(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("screenshot", nil)

	orig := api.MarkDegrading(errors.New("display lost"))
	err := r.ExecuteWithFallback(context.Background(), "screenshot", func(context.Context) error { return orig })

	assert.Equal(t, orig, err)
	assert.False(t, r.IsAvailable("screenshot"))
}

func TestWithFallback_Typed(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("parallel", nil)

	v, err := WithFallback(context.Background(), r, "parallel",
		func(context.Context) (int, error) { return 0, api.MarkDegrading(errors.New("too many processes")) },
		func(context.Context) (int, error) { return 7, nil },
	)

	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDegradationRegistry_FeaturesSorted(t *testing.T) {
	r := NewDegradationRegistry(nil)
	r.RegisterFeature("parallel", nil)
	r.RegisterFeature("coverage", func(context.Context) error { return nil })

	features := r.Features()
	require.Len(t, features, 2)
	assert.Equal(t, "coverage", features[0].Name)
	assert.True(t, features[0].HasFallback)
	assert.Equal(t, "parallel", features[1].Name)
}
