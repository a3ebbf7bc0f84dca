package membership

import (
	"fmt"
)

// CoordinatorResult summarizes one scheduled coordinator run.
type CoordinatorResult struct {
	LeaseHeld  bool
	Replayed   int
	RolledBack bool
	Level      EscalationLevel
	Revoked    []string
}

// Coordinator runs the scheduled reconcile+replay+alert pipeline §4.7
// reserves for the per-world lease holder: replaying dead letters through
// the configured sink, syncing drained key revocations against the
// keyring, evaluating the guarded replay-policy rollback, and persisting
// every outcome through the FileStore.
type Coordinator struct {
	Dir        *Directory
	Ring       *Keyring
	Store      *FileStore
	WorldID    string
	NodeID     string
	LeaseTTLMs int64

	// Deliver attempts one dead letter's redelivery; nil disables replay.
	Deliver func(DeadLetter) error
	// CollectMetrics produces the current delivery-health window; nil
	// disables the rollback guard.
	CollectMetrics func() DeliveryMetrics
	// DrainRevocations returns key revocation announcements drained from
	// pub-sub since the last run; nil disables revocation sync.
	DrainRevocations func() []KeyRevocationAnnounce
	// RevocationPolicy filters drained announcements.
	RevocationPolicy KeyRevocationPolicy
}

// RunScheduled runs one coordinator pass at nowMs. A node that cannot take
// the lease returns immediately with LeaseHeld=false; everything else is
// best-effort and surfaces the first persistence error.
func (c *Coordinator) RunScheduled(nowMs int64) (CoordinatorResult, error) {
	var result CoordinatorResult
	if c.Dir == nil {
		return result, fmt.Errorf("membership: coordinator has no directory")
	}
	ttl := c.LeaseTTLMs
	if ttl <= 0 {
		return result, fmt.Errorf("membership: coordinator lease TTL must be positive")
	}
	lease, err := c.Dir.AcquireLease(c.NodeID, nowMs, ttl)
	if err != nil {
		return result, nil
	}
	result.LeaseHeld = true
	if c.Store != nil {
		if err := c.Store.SaveLease(lease); err != nil {
			return result, err
		}
	}

	if c.Ring != nil && c.DrainRevocations != nil {
		result.Revoked = c.Ring.SyncKeyRevocationsWithPolicy(c.DrainRevocations(), c.RevocationPolicy)
	}

	if c.Deliver != nil {
		for _, target := range c.Dir.DeadLetterTargets() {
			replayed, err := c.Dir.ReplayDeadLetters(target, c.Deliver)
			if err != nil {
				return result, err
			}
			result.Replayed += replayed
		}
	}

	result.Level = c.Dir.EscalationLevel()
	if c.CollectMetrics != nil {
		metrics := c.CollectMetrics()
		before := c.Dir.ActiveReplayPolicy()
		rolledBack, level := c.Dir.EvaluateDeliveryMetrics(metrics, nowMs)
		result.RolledBack = rolledBack
		result.Level = level
		if c.Store != nil {
			if err := c.Store.SaveDeliveryMetrics(metrics, nowMs); err != nil {
				return result, err
			}
			if rolledBack {
				rec := AuditRecord{
					AtMs: nowMs, RolledBack: true,
					FromPolicy: before, ToPolicy: c.Dir.ActiveReplayPolicy(),
					Level: level, Streak: c.Dir.RollbackStreak(),
				}
				if err := c.Store.AppendAudit(rec); err != nil {
					return result, err
				}
			}
		}
	}

	if c.Store != nil {
		snapshot := c.Dir.DeadLettersSnapshot()
		records := make([]DeadLetterRecord, len(snapshot))
		for i, dl := range snapshot {
			records[i] = DeadLetterRecord{
				WorldID: c.WorldID, NodeID: dl.TargetNodeID, DroppedAtMs: nowMs,
				Reason: dl.Reason, PendingAlert: dl.Payload, Attempts: dl.Attempts,
			}
		}
		if err := c.Store.SaveDeadLetters(records); err != nil {
			return result, err
		}
	}
	return result, nil
}
