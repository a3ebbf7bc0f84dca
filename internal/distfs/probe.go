package distfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"agent-world/internal/cas"
)

// Probe failure reasons, the outcome taxonomy §4.8's storage challenge
// records its samples under.
const (
	ProbeHashMismatch     = "HASH_MISMATCH"
	ProbeMissingSample    = "MISSING_SAMPLE"
	ProbeTimeout          = "TIMEOUT"
	ProbeReadIOError      = "READ_IO_ERROR"
	ProbeSignatureInvalid = "SIGNATURE_INVALID"
	ProbeUnknown          = "UNKNOWN"
)

// ProbeConfig tunes the per-tick storage challenge: how many blobs to
// sample, the byte budget a single run may read, and the adaptive failure
// backoff (base delay multiplied per-reason, clamped at the max).
type ProbeConfig struct {
	ChallengesPerTick    int              `json:"challenges_per_tick"`
	MaxSampleBytes       int64            `json:"max_sample_bytes"`
	FailureBackoffBaseMs int64            `json:"failure_backoff_base_ms"`
	FailureBackoffMaxMs  int64            `json:"failure_backoff_max_ms"`
	ReasonMultipliers    map[string]int64 `json:"reason_multipliers,omitempty"`
}

// DefaultProbeConfig returns a workable single-node probe configuration.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		ChallengesPerTick:    4,
		MaxSampleBytes:       8 << 20,
		FailureBackoffBaseMs: 1_000,
		FailureBackoffMaxMs:  60_000,
		ReasonMultipliers: map[string]int64{
			ProbeHashMismatch:  8,
			ProbeMissingSample: 4,
			ProbeReadIOError:   2,
		},
	}
}

// ChallengeReport is one probe run's outcome: how many blobs were checked,
// how many re-hashed clean, and the per-reason failure breakdown.
type ChallengeReport struct {
	TotalChecks    int            `json:"total_checks"`
	Passed         int            `json:"passed"`
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
	SampledBytes   int64          `json:"sampled_bytes"`
}

// ProbeCursor is the persisted probe state (§6's probe-state.json): the
// rotation position through the blob set plus cumulative counters
// mirroring every run's report.
type ProbeCursor struct {
	NextIndex        int               `json:"next_index"`
	TotalChecks      uint64            `json:"total_checks"`
	TotalPassed      uint64            `json:"total_passed"`
	FailureReasons   map[string]uint64 `json:"failure_reasons,omitempty"`
	LastRunAtMs      int64             `json:"last_run_at_ms"`
	NextEligibleAtMs int64             `json:"next_eligible_at_ms"`
}

// Prober samples blobs from the CAS on each reward tick, re-hashing them
// to detect tampering or loss, and persists its cursor across restarts.
type Prober struct {
	store     *cas.Store
	statePath string
	cfg       ProbeConfig
	cursor    ProbeCursor
}

// NewProber constructs a Prober over store, loading any cursor previously
// persisted at statePath.
func NewProber(store *cas.Store, statePath string, cfg ProbeConfig) (*Prober, error) {
	if cfg.FailureBackoffMaxMs < cfg.FailureBackoffBaseMs {
		return nil, fmt.Errorf("distfs: failure_backoff_max_ms must be >= failure_backoff_base_ms")
	}
	p := &Prober{store: store, statePath: statePath, cfg: cfg}
	p.cursor.FailureReasons = make(map[string]uint64)
	if statePath != "" {
		b, err := os.ReadFile(statePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("distfs: read probe state: %w", err)
		default:
			if err := json.Unmarshal(b, &p.cursor); err != nil {
				return nil, fmt.Errorf("distfs: decode probe state: %w", err)
			}
			if p.cursor.FailureReasons == nil {
				p.cursor.FailureReasons = make(map[string]uint64)
			}
		}
	}
	return p, nil
}

// Cursor returns a copy of the current probe cursor.
func (p *Prober) Cursor() ProbeCursor {
	cp := p.cursor
	cp.FailureReasons = make(map[string]uint64, len(p.cursor.FailureReasons))
	for k, v := range p.cursor.FailureReasons {
		cp.FailureReasons[k] = v
	}
	return cp
}

// classify maps a CAS read error to a probe failure reason.
func classify(err error) string {
	switch {
	case errors.Is(err, cas.ErrBlobHashMismatch):
		return ProbeHashMismatch
	case errors.Is(err, cas.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ProbeMissingSample
	case err != nil && err.Error() == "leveldb: not found":
		return ProbeMissingSample
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ProbeTimeout
	case err != nil:
		return ProbeReadIOError
	default:
		return ProbeUnknown
	}
}

// CollectChallengeReport runs one storage challenge: it walks up to
// ChallengesPerTick blobs from the cursor's rotation position (bounded by
// MaxSampleBytes), re-hashes each, folds the outcomes into the cumulative
// cursor, schedules the adaptive failure backoff, and persists the cursor.
// A run before NextEligibleAtMs returns an empty report without sampling.
func (p *Prober) CollectChallengeReport(nowMs int64) (ChallengeReport, error) {
	report := ChallengeReport{FailureReasons: make(map[string]int)}
	if nowMs < p.cursor.NextEligibleAtMs {
		return report, nil
	}
	hashes, err := p.store.Hashes()
	if err != nil {
		return report, fmt.Errorf("distfs: list blobs for probe: %w", err)
	}
	if len(hashes) == 0 {
		p.cursor.LastRunAtMs = nowMs
		return report, p.save()
	}
	if p.cursor.NextIndex >= len(hashes) {
		p.cursor.NextIndex = 0
	}

	limit := p.cfg.ChallengesPerTick
	if limit <= 0 || limit > len(hashes) {
		limit = len(hashes)
	}
	for i := 0; i < limit; i++ {
		if p.cfg.MaxSampleBytes > 0 && report.SampledBytes >= p.cfg.MaxSampleBytes {
			break
		}
		hash := hashes[p.cursor.NextIndex]
		p.cursor.NextIndex = (p.cursor.NextIndex + 1) % len(hashes)

		report.TotalChecks++
		b, err := p.store.GetVerified(hash)
		if err != nil {
			report.FailureReasons[classify(err)]++
			continue
		}
		report.Passed++
		report.SampledBytes += int64(len(b))
	}

	p.cursor.TotalChecks += uint64(report.TotalChecks)
	p.cursor.TotalPassed += uint64(report.Passed)
	for reason, n := range report.FailureReasons {
		p.cursor.FailureReasons[reason] += uint64(n)
	}
	p.cursor.LastRunAtMs = nowMs
	p.cursor.NextEligibleAtMs = nowMs + p.backoffDelay(report)
	return report, p.save()
}

// backoffDelay derives the post-run delay: zero after a clean run,
// otherwise the failure base multiplied by the largest multiplier among
// the observed failure reasons, clamped at the configured max.
func (p *Prober) backoffDelay(report ChallengeReport) int64 {
	if len(report.FailureReasons) == 0 {
		return 0
	}
	delay := p.cfg.FailureBackoffBaseMs
	var mult int64 = 1
	for reason := range report.FailureReasons {
		if m, ok := p.cfg.ReasonMultipliers[reason]; ok && m > mult {
			mult = m
		}
	}
	delay *= mult
	if p.cfg.FailureBackoffMaxMs > 0 && delay > p.cfg.FailureBackoffMaxMs {
		delay = p.cfg.FailureBackoffMaxMs
	}
	return delay
}

func (p *Prober) save() error {
	if p.statePath == "" {
		return nil
	}
	b, err := json.MarshalIndent(p.cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("distfs: encode probe state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.statePath), 0o755); err != nil {
		return fmt.Errorf("distfs: create probe state dir: %w", err)
	}
	tmp := p.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("distfs: write probe state tmp: %w", err)
	}
	return os.Rename(tmp, p.statePath)
}
