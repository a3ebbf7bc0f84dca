// Command agent-worldd runs a single agent-world node: it loads
// agent-world.toml, brings up the content-addressed store, the module
// host, the world state machine, and the tick runtime, and serves the
// Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-world/internal/cas"
	"agent-world/internal/config"
	"agent-world/internal/distfs"
	"agent-world/internal/gossip"
	"agent-world/internal/logging"
	"agent-world/internal/membership"
	"agent-world/internal/mempool"
	"agent-world/internal/metrics"
	"agent-world/internal/modhost"
	"agent-world/internal/nodeid"
	"agent-world/internal/observability"
	"agent-world/internal/replication"
	"agent-world/internal/runtime"
	"agent-world/internal/world"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "agent-world.toml", "path to agent-world.toml")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9464", "address to serve /metrics on")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "agent-worldd:", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	keys, err := cfg.KeyPair()
	if err != nil {
		return fmt.Errorf("load node keypair: %w", err)
	}
	identity := nodeid.New(cfg.Node.PublicKey, keys)
	logger := logging.Setup(cfg.WorldID, identity.NodeID)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	blobDB := cas.NewMemDB()
	blobStore, err := cas.NewStore(blobDB, cfg.DataDir+"/pins.json")
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	commits := replication.NewCommitStore()

	sandbox := modhost.NewLocalSandbox()
	host := modhost.NewHost(sandbox, 128, modhost.ResourceLimits{
		MemoryBytes: 64 << 20, Gas: 50_000, CallRate: 50, OutputBytes: 1 << 20, Effects: 32, Emits: 32,
	})

	nodes := nodeid.NewDirectory()
	nodes.Bind(identity.NodeID, identity.PublicKeyHex())

	w := world.New(cfg.WorldID, host, nodes)
	mp := mempool.New(mempool.Limits{MaxSize: 10_000, MaxPerActor: 64, MaxPerIdempotency: 1})
	bus := gossip.NewLocalBus()

	rt := runtime.New(w, mp, bus, metricsReg, logger, 1000, 256)

	// The initial membership snapshot only carries this node's own binding:
	// it is the only one this node can vouch for at boot. Other validators
	// named in cfg.Consensus.Validators join the directory (and nodes.Bind)
	// once their own BindNodeIdentity action lands, the same proof-of-key
	// gate every signer is held to.
	members := membership.NewDirectory(64)
	var totalStake uint64
	for _, stake := range cfg.Consensus.Validators {
		totalStake += stake
	}
	quorumThreshold := uint64(0)
	if cfg.Consensus.QuorumDenominator > 0 {
		quorumThreshold = totalStake * cfg.Consensus.QuorumNumerator / cfg.Consensus.QuorumDenominator
	}
	snap, err := membership.SignEd25519(membership.DirectorySnapshot{
		WorldID:         cfg.WorldID,
		RequesterID:     identity.NodeID,
		RequestedAtMs:   time.Now().UnixMilli(),
		Version:         1,
		Validators:      []membership.Binding{{NodeID: identity.NodeID, PublicKeyHex: identity.PublicKeyHex(), Role: "Sequencer"}},
		QuorumThreshold: quorumThreshold,
	}, identity.NodeID, keys)
	if err != nil {
		return fmt.Errorf("sign initial membership snapshot: %w", err)
	}
	if err := members.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("apply initial membership snapshot: %w", err)
	}
	members.SeedReplayPolicy(
		membership.ReplayPolicy{MaxReplayPerRun: 16, MaxRetryLimitExceededStreak: 3},
		membership.ReplayPolicy{MaxReplayPerRun: 16, MaxRetryLimitExceededStreak: 3},
		membership.RollbackThresholds{FailureRatioPermille: 500, DeadLetterRatioPermille: 100, CooldownMs: 60_000},
	)

	rt.ConfigureConsensus(identity, cfg.Consensus.Validators, cfg.Consensus.QuorumNumerator, cfg.Consensus.QuorumDenominator, commits, blobStore, members)
	rt.ConfigureRewardRuntime(cfg.Reward.EpochTicks, cfg.Reward.Budget, cfg.SnapshotEveryTicks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := observability.Init(ctx, observability.Config{
			ServiceName: "agent-worldd",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	prober, err := distfs.NewProber(blobStore, cfg.DataDir+"/probe-state.json", distfs.DefaultProbeConfig())
	if err != nil {
		return fmt.Errorf("open storage prober: %w", err)
	}
	rt.ConfigureProbe(prober)

	// The node keeps its signing keys in a keyring so revocation
	// announcements drained from the revocation topics can retire them
	// without a restart.
	ring := membership.NewKeyring()
	if err := ring.AddEd25519(identity.NodeID, keys); err != nil {
		return fmt.Errorf("seed node keyring: %w", err)
	}
	revocationSub, cancelRevocationSub, err := bus.Subscribe(ctx, gossip.Topic(cfg.WorldID, "revocation.key"))
	if err != nil {
		return fmt.Errorf("subscribe revocation topic: %w", err)
	}
	defer cancelRevocationSub()
	rt.ConfigureCoordinator(&membership.Coordinator{
		Dir: members, Ring: ring, Store: membership.NewFileStore(cfg.DataDir, cfg.WorldID, identity.NodeID),
		WorldID: cfg.WorldID, NodeID: identity.NodeID, LeaseTTLMs: 30_000,
		CollectMetrics: func() membership.DeliveryMetrics { return membership.DeliveryMetrics{} },
		DrainRevocations: func() []membership.KeyRevocationAnnounce {
			var announces []membership.KeyRevocationAnnounce
			for {
				select {
				case env := <-revocationSub:
					var a membership.KeyRevocationAnnounce
					if err := json.Unmarshal(env.Body, &a); err != nil {
						logger.Warn("drop malformed key revocation announce", "error", err)
						continue
					}
					announces = append(announces, a)
				default:
					return announces
				}
			}
		},
		RevocationPolicy: membership.KeyRevocationPolicy{
			TrustedRequesters: members.SortedValidatorIDs(),
			RequireSignature:  true,
		},
	})

	rt.Start(ctx)
	defer rt.Stop()

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Mount("/", gossip.NewReplicationRouter(commits, blobStore))
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	logger.Info("agent-worldd starting", "world_id", cfg.WorldID, "metrics_addr", metricsAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
