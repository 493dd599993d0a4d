// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runUntilCanceled mimics one group's Machine.Run: it blocks until ctx is
// canceled and reports the cancellation cause as its own error, exactly as
// internal/statemachine's Run does.
func runUntilCanceled(started chan<- struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestNew(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), {}, {ShutdownTimeout: 5 * time.Second}} {
		sup := New("test", cfg)
		require.NotNil(t, sup)
		require.NotNil(t, sup.sup)
	}
}

func TestSupervisor_AddRejectsDuplicate(t *testing.T) {
	sup := New("test", DefaultConfig())

	require.NoError(t, sup.Add("group-1", runUntilCanceled(nil)))
	require.NoError(t, sup.Add("group-2", runUntilCanceled(nil)))
	require.Equal(t, 2, sup.ServiceCount())

	require.Error(t, sup.Add("group-1", runUntilCanceled(nil)))
}

func TestSupervisor_RemoveUnknown(t *testing.T) {
	sup := New("test", DefaultConfig())
	require.Error(t, sup.Remove("nonexistent"))
}

func TestSupervisor_StatusReflectsRegistration(t *testing.T) {
	sup := New("test", DefaultConfig())
	require.NoError(t, sup.Add("group-1", runUntilCanceled(nil)))

	status := sup.Status()
	require.Len(t, status, 1)
	require.Equal(t, "group-1", status[0].Name)
	require.Equal(t, ServiceStateRunning, status[0].State)
}

// TestSupervisor_ServeRunsAndStopsLoops exercises the real suture.Supervisor
// underneath: a registered group loop must actually start running once
// Serve begins, and the whole tree must drain once ctx is canceled.
func TestSupervisor_ServeRunsAndStopsLoops(t *testing.T) {
	sup := New("test", Config{ShutdownTimeout: 2 * time.Second})

	started := make(chan struct{}, 1)
	require.NoError(t, sup.Add("group-1", runUntilCanceled(started)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Serve(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("group loop did not start")
	}

	cancel()

	select {
	case err := <-errCh:
		require.True(t, err == nil || errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}
}

// TestSupervisor_RestartsFailedGroupLoop verifies that a group loop exiting
// with an error (the state machine's Run only returns on ctx.Err() or a
// fatal bug) is restarted by suture rather than silently dropped.
func TestSupervisor_RestartsFailedGroupLoop(t *testing.T) {
	sup := New("test", Config{ShutdownTimeout: 2 * time.Second})

	attempts := make(chan struct{}, 8)
	errBoom := errors.New("boom")
	run := func(ctx context.Context) error {
		select {
		case attempts <- struct{}{}:
		default:
		}
		if len(attempts) < 2 {
			return errBoom
		}
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, sup.Add("group-1", run))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Serve(ctx)

	require.Eventually(t, func() bool {
		return len(attempts) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

// TestSupervisor_RemoveStopsOneLoopWithoutAffectingOthers confirms removing
// one group's loop leaves a sibling group's loop running — group loops are
// isolated from one another even though each serializes its own events.
func TestSupervisor_RemoveStopsOneLoopWithoutAffectingOthers(t *testing.T) {
	sup := New("test", Config{ShutdownTimeout: 2 * time.Second})

	started1 := make(chan struct{}, 1)
	started2 := make(chan struct{}, 1)
	require.NoError(t, sup.Add("group-1", runUntilCanceled(started1)))
	require.NoError(t, sup.Add("group-2", runUntilCanceled(started2)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Serve(ctx)

	<-started1
	<-started2

	require.NoError(t, sup.Remove("group-1"))
	require.Equal(t, 1, sup.ServiceCount())

	status := sup.Status()
	require.Len(t, status, 1)
	require.Equal(t, "group-2", status[0].Name)
}
