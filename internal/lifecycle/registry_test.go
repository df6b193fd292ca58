package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInstance struct {
	graceful atomic.Int32
	local    atomic.Int32
}

func (f *fakeInstance) DrainGraceful(context.Context) { f.graceful.Add(1) }
func (f *fakeInstance) DrainLocal(context.Context)    { f.local.Add(1) }

func TestDrainGracefulHitsAllRegistered(t *testing.T) {
	r := NewRegistry(testLogger())
	a, b := &fakeInstance{}, &fakeInstance{}
	r.Register(a)
	r.Register(b)

	r.DrainGraceful(context.Background())
	assert.Equal(t, int32(1), a.graceful.Load())
	assert.Equal(t, int32(1), b.graceful.Load())
	assert.Zero(t, a.local.Load())
}

func TestDrainLocalSkipsNetworkPath(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &fakeInstance{}
	r.Register(a)

	r.DrainLocal(context.Background())
	assert.Equal(t, int32(1), a.local.Load())
	assert.Zero(t, a.graceful.Load())
}

func TestUnregisterStopsDraining(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &fakeInstance{}
	r.Register(a)
	r.Unregister(a)

	r.DrainGraceful(context.Background())
	assert.Zero(t, a.graceful.Load())
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &fakeInstance{}
	r.Register(a)
	r.Register(a)

	r.DrainGraceful(context.Background())
	assert.Equal(t, int32(1), a.graceful.Load(), "double registration must not double-drain")
}

func TestInstallSignalHooksOnce(t *testing.T) {
	r := NewRegistry(testLogger())
	r.InstallSignalHooks()
	r.InstallSignalHooks() // no-op
	r.Close()
	r.Close() // idempotent
}

func TestDefaultRegistryIsStable(t *testing.T) {
	assert.Same(t, Default(), Default())
}
