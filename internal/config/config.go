// Package config loads the node's agent-world.toml configuration,
// generating and persisting a node keypair on first run the same way the
// teacher's config.Load does for its ValidatorKey field.
package config

import (
	"fmt"
	"os"

	"agent-world/internal/crypto"

	"github.com/BurntSushi/toml"
)

// NodeConfig holds the [node] keypair section of agent-world.toml.
type NodeConfig struct {
	PrivateKey string `toml:"private_key"`
	PublicKey  string `toml:"public_key"`
}

// ConsensusConfig holds the validator set and commit quorum fraction a
// node's consensus engine proposes and attests against.
type ConsensusConfig struct {
	Validators        map[string]uint64 `toml:"Validators"`
	QuorumNumerator   uint64            `toml:"QuorumNumerator"`
	QuorumDenominator uint64            `toml:"QuorumDenominator"`
}

// RewardConfig tunes the periodic reward-runtime settlement the runtime
// drives: how often (in ticks) an epoch settles and the system pool budget
// available to split across it.
type RewardConfig struct {
	EpochTicks uint64 `toml:"EpochTicks"`
	Budget     int64  `toml:"Budget"`
}

// TelemetryConfig holds the optional OTLP trace exporter wiring; traces
// are disabled until a deployment opts in.
type TelemetryConfig struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Environment string `toml:"Environment"`
}

// Config is the full agent-world.toml document.
type Config struct {
	WorldID            string          `toml:"WorldID"`
	ListenAddress      string          `toml:"ListenAddress"`
	DataDir            string          `toml:"DataDir"`
	BootstrapPeers     []string        `toml:"BootstrapPeers"`
	SnapshotEveryTicks uint64          `toml:"SnapshotEveryTicks"`
	Node               NodeConfig      `toml:"node"`
	Consensus          ConsensusConfig `toml:"consensus"`
	Reward             RewardConfig    `toml:"reward"`
	Telemetry          TelemetryConfig `toml:"telemetry"`
}

// Load reads path, creating a default config with a freshly generated
// keypair if the file does not yet exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Node.PrivateKey == "" {
		if err := cfg.generateAndPersistKey(path); err != nil {
			return nil, err
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	cfg.applyDefaults()
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: "127.0.0.1:26656",
		DataDir:       "./data",
	}
	if err := cfg.generateAndPersistKey(path); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in a single-validator committee (this node, entire
// stake, unanimous quorum) and a conservative reward/snapshot cadence when
// agent-world.toml leaves them unset, so a freshly bootstrapped node can
// commit and settle on its own before any peers join.
func (c *Config) applyDefaults() {
	if c.Consensus.Validators == nil {
		c.Consensus.Validators = map[string]uint64{c.Node.PublicKey: 1}
	}
	if c.Consensus.QuorumNumerator == 0 {
		c.Consensus.QuorumNumerator = 1
	}
	if c.Consensus.QuorumDenominator == 0 {
		c.Consensus.QuorumDenominator = 1
	}
	if c.Reward.EpochTicks == 0 {
		c.Reward.EpochTicks = 100
	}
	if c.SnapshotEveryTicks == 0 {
		c.SnapshotEveryTicks = 50
	}
}

func (c *Config) generateAndPersistKey(path string) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("config: generate node keypair: %w", err)
	}
	c.Node.PrivateKey = kp.SeedHex()
	c.Node.PublicKey = kp.PublicHex()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// KeyPair reconstructs the node's Ed25519 identity from the persisted seed.
func (c *Config) KeyPair() (*crypto.KeyPair, error) {
	return crypto.KeyPairFromSeedHex(c.Node.PrivateKey)
}
