package signals

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendSelf(t *testing.T, sig os.Signal) {
	t.Helper()
	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(sig))
}

func TestCancel_CancelsContextOnSignal(t *testing.T) {
	ctx, stop := Cancel(context.Background(), nil)
	defer stop()

	sendSelf(t, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context was not cancelled after signal")
	}
}

func TestCancel_SecondSignalForces(t *testing.T) {
	forced := make(chan os.Signal, 1)
	ctx, stop := cancelAfter(context.Background(), time.Minute, func(sig os.Signal) { forced <- sig })
	defer stop()

	sendSelf(t, syscall.SIGINT)
	<-ctx.Done()
	sendSelf(t, syscall.SIGTERM)

	select {
	case sig := <-forced:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(time.Second):
		t.Fatal("onForce was not called after second signal")
	}
}

func TestCancel_GraceTimeout(t *testing.T) {
	forced := make(chan os.Signal, 1)
	ctx, stop := cancelAfter(context.Background(), 50*time.Millisecond, func(sig os.Signal) { forced <- sig })
	defer stop()

	sendSelf(t, syscall.SIGTERM)
	<-ctx.Done()

	select {
	case sig := <-forced:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(time.Second):
		t.Fatal("onForce was not called after the grace period")
	}
}

func TestCancel_StopWithoutSignal(t *testing.T) {
	called := false
	ctx, stop := Cancel(context.Background(), func(os.Signal) { called = true })

	stop()
	stop()

	assert.Error(t, ctx.Err(), "stop cancels the context")
	assert.False(t, called)
}

func TestCancel_ParentCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := Cancel(parent, nil)
	defer stop()

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context did not follow its parent")
	}
}
