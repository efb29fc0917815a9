package supervision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
)

func TestDefaultSupervisorDecide(t *testing.T) {
	sup := DefaultSupervisor{}

	require.Equal(t, DirectiveResume, sup.Decide(nil))
	require.Equal(t, DirectiveResume, sup.Decide(errs.New(errs.KindTimeout, "slow")))
	require.Equal(t, DirectiveResume, sup.Decide(errs.New(errs.KindConcurrencyConflict, "stale")))
	require.Equal(t, DirectiveStop, sup.Decide(errs.New(errs.KindReentrancy, "cycle")))
	require.Equal(t, DirectiveEscalate, sup.Decide(errs.New(errs.KindStoreCorrupted, "bad row")))
	require.Equal(t, DirectiveRestart, sup.Decide(errs.New(errs.KindUnknown, "panic recovered")))
}

func TestCallChainExtendDetectsCycle(t *testing.T) {
	root := identity.New("Account", "a1")
	child := identity.New("Ledger", "l1")

	ctx := context.Background()
	ctx, chain1, ok := Extend(ctx, root)
	require.True(t, ok)
	require.Equal(t, CallChain{root}, chain1)

	ctx, chain2, ok := Extend(ctx, child)
	require.True(t, ok)
	require.Equal(t, CallChain{root, child}, chain2)

	// Calling back into root is a cycle.
	_, chain3, ok := Extend(ctx, root)
	require.False(t, ok)
	require.Equal(t, chain2, chain3)
}

func TestChainFromEmptyContext(t *testing.T) {
	require.Nil(t, ChainFrom(context.Background()))
}

func TestMergeContextsCancelsOnLifecycleDone(t *testing.T) {
	lifecycle, cancelLifecycle := context.WithCancel(context.Background())
	caller := context.Background()

	merged, cancel := MergeContexts(lifecycle, caller)
	defer cancel()

	cancelLifecycle()

	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context was not cancelled after lifecycle cancellation")
	}
}

func TestMergeContextsCancelsOnCallerDone(t *testing.T) {
	lifecycle := context.Background()
	caller, cancelCaller := context.WithCancel(context.Background())

	merged, cancel := MergeContexts(lifecycle, caller)
	defer cancel()

	cancelCaller()

	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context was not cancelled after caller cancellation")
	}
}
