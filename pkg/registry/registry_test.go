package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakedock/gate/pkg/routetable"
)

func TestTouch_CreatesStateOnFirstSight(t *testing.T) {
	r := New()
	target := routetable.Target{Group: "media-asr", Port: 9090}

	state := r.Touch(target)

	assert.Equal(t, "media-asr", state.Group)
	assert.Equal(t, "wake_media-asr", state.ContainerName)
	assert.False(t, state.Running)
	assert.False(t, state.LastTouch.IsZero())
}

func TestTouch_UpdatesLastTouchAndTarget(t *testing.T) {
	r := New()
	target := routetable.Target{Group: "media-asr", Port: 9090}

	first := r.Touch(target)

	target.Port = 9191
	second := r.Touch(target)

	assert.Equal(t, 9191, second.Target.Port)
	assert.True(t, !second.LastTouch.Before(first.LastTouch))
}

func TestSetRunning_AffectsGetAndIterForReap(t *testing.T) {
	r := New()
	target := routetable.Target{Group: "media-asr"}
	r.Touch(target)

	_, found := r.Get("media-asr")
	require.True(t, found)

	assert.Empty(t, r.IterForReap())

	r.SetRunning("media-asr", true)
	state, found := r.Get("media-asr")
	require.True(t, found)
	assert.True(t, state.Running)

	running := r.IterForReap()
	require.Len(t, running, 1)
	assert.Equal(t, "media-asr", running[0].Group)
}

func TestSetRunning_UnknownGroupIsNoop(t *testing.T) {
	r := New()
	r.SetRunning("nonexistent", true)
	_, found := r.Get("nonexistent")
	assert.False(t, found)
}

func TestGet_UnknownGroup(t *testing.T) {
	r := New()
	_, found := r.Get("nope")
	assert.False(t, found)
}

func TestSnapshot_ReturnsAllGroups(t *testing.T) {
	r := New()
	r.Touch(routetable.Target{Group: "a"})
	r.Touch(routetable.Target{Group: "b"})

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
}

func TestIterForReap_OnlyRunningGroups(t *testing.T) {
	r := New()
	r.Touch(routetable.Target{Group: "a"})
	r.Touch(routetable.Target{Group: "b"})
	r.SetRunning("a", true)

	running := r.IterForReap()
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].Group)
}
