package membership

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, nodeID string) *Coordinator {
	t.Helper()
	dir := NewDirectory(100)
	dir.SeedReplayPolicy(
		ReplayPolicy{MaxReplayPerRun: 9, MaxRetryLimitExceededStreak: 1},
		ReplayPolicy{MaxReplayPerRun: 3, MaxRetryLimitExceededStreak: 3},
		RollbackThresholds{FailureRatioPermille: 500, DeadLetterRatioPermille: 100, CooldownMs: 10},
	)
	return &Coordinator{
		Dir: dir, Store: NewFileStore(t.TempDir(), "w1", nodeID),
		WorldID: "w1", NodeID: nodeID, LeaseTTLMs: 1_000,
	}
}

func TestCoordinatorReplaysDeadLettersUnderLease(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	c.Dir.QueueDeadLetter(DeadLetter{TargetNodeID: "peer-1", Payload: []byte("alert-1"), Reason: ReasonCapacity})
	c.Dir.QueueDeadLetter(DeadLetter{TargetNodeID: "peer-2", Payload: []byte("alert-2"), Reason: ReasonCapacity})

	var delivered [][]byte
	c.Deliver = func(dl DeadLetter) error {
		delivered = append(delivered, dl.Payload)
		return nil
	}

	result, err := c.RunScheduled(100)
	require.NoError(t, err)
	require.True(t, result.LeaseHeld)
	require.Equal(t, 2, result.Replayed)
	require.Len(t, delivered, 2)

	lease, err := c.Store.LoadLease()
	require.NoError(t, err)
	require.Equal(t, "node-a", lease.HolderNodeID)
}

func TestCoordinatorSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	c := newTestCoordinator(t, "node-b")
	_, err := c.Dir.AcquireLease("node-a", 100, 1_000)
	require.NoError(t, err)

	result, err := c.RunScheduled(200)
	require.NoError(t, err)
	require.False(t, result.LeaseHeld)

	// Past the TTL the lease is free to take.
	result, err = c.RunScheduled(2_000)
	require.NoError(t, err)
	require.True(t, result.LeaseHeld)
}

func TestCoordinatorRollbackAuditsAndEscalates(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	c.CollectMetrics = func() DeliveryMetrics {
		return DeliveryMetrics{FailureRatioPermille: 800, DeadLetterRatioPermille: 200}
	}

	result, err := c.RunScheduled(100)
	require.NoError(t, err)
	require.True(t, result.RolledBack)
	require.Equal(t, EscalationWarn, result.Level)
	require.Equal(t, ReplayPolicy{MaxReplayPerRun: 3, MaxRetryLimitExceededStreak: 3}, c.Dir.ActiveReplayPolicy())

	// Second unhealthy window after the cooldown escalates to Emergency.
	result, err = c.RunScheduled(200)
	require.NoError(t, err)
	require.True(t, result.RolledBack)
	require.Equal(t, EscalationEmergency, result.Level)

	audit, err := c.Store.LoadAudit()
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, EscalationEmergency, audit[1].Level)
	require.Equal(t, 2, audit[1].Streak)
}

func TestCoordinatorSyncsKeyRevocations(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	ring := NewKeyring()
	require.NoError(t, ring.AddHMAC("old-key", []byte("secret")))
	c.Ring = ring
	c.DrainRevocations = func() []KeyRevocationAnnounce {
		return []KeyRevocationAnnounce{{WorldID: "w1", RequesterID: "node-a", KeyID: "old-key"}}
	}
	c.RevocationPolicy = KeyRevocationPolicy{TrustedRequesters: []string{"node-a"}}

	result, err := c.RunScheduled(100)
	require.NoError(t, err)
	require.Equal(t, []string{"old-key"}, result.Revoked)
	require.True(t, ring.IsRevoked("old-key"))
}

func TestCoordinatorRequeuesFailedRedelivery(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	c.Dir.QueueDeadLetter(DeadLetter{TargetNodeID: "peer-1", Payload: []byte("alert"), Reason: ReasonCapacity})
	c.Deliver = func(DeadLetter) error { return errors.New("still unreachable") }

	result, err := c.RunScheduled(100)
	require.NoError(t, err)
	require.Equal(t, 0, result.Replayed)

	records, err := c.Store.LoadDeadLetters()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, records[0].Attempts)
}
