package world

import (
	"testing"

	"agent-world/internal/world/types"
)

func TestRejectManifestOnlyBeforeApproval(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	base := manifestHash(w.State.Manifest)

	events := w.Apply(mustAction(t, "prop-1", "agent-1", "ProposeManifest", ProposeManifestPayload{
		ProposalID: "p1", AuthorAgentID: "agent-1", BaseManifestHash: base,
		Proposed: types.Manifest{WorldName: "next"},
	}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestProposed" {
		t.Fatalf("expected ManifestProposed, got %+v", events)
	}

	events = w.Apply(mustAction(t, "rej-1", "agent-1", "RejectManifest", RejectManifestPayload{
		ProposalID: "p1", Reason: "superseded",
	}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestRejected" {
		t.Fatalf("expected ManifestRejected, got %+v", events)
	}
	status := w.State.Proposals["p1"].Status
	if status.Kind != types.ProposalRejected || status.Reason != "superseded" {
		t.Fatalf("unexpected status after rejection: %+v", status)
	}

	events = w.Apply(mustAction(t, "rej-2", "agent-1", "RejectManifest", RejectManifestPayload{ProposalID: "p1"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected double rejection to fail, got %+v", events)
	}
}

func TestTransferMainTokenMovesLiquidBalance(t *testing.T) {
	w := newTestWorld(t)
	w.State.MainToken.Accounts["player:alice"] = types.Account{Liquid: 100}

	events := w.Apply(mustAction(t, "xfer-1", "player:alice", "TransferMainToken", TransferMainTokenPayload{
		FromAccountID: "player:alice", ToAccountID: "player:bob", Amount: 40,
	}), 1)
	if len(events) != 1 || events[0].Kind != "MainTokenTransferred" {
		t.Fatalf("expected MainTokenTransferred, got %+v", events)
	}
	if w.State.MainToken.Accounts["player:alice"].Liquid != 60 || w.State.MainToken.Accounts["player:bob"].Liquid != 40 {
		t.Fatalf("balances wrong after transfer: %+v", w.State.MainToken.Accounts)
	}

	events = w.Apply(mustAction(t, "xfer-2", "player:alice", "TransferMainToken", TransferMainTokenPayload{
		FromAccountID: "player:alice", ToAccountID: "player:bob", Amount: 1000,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected over-transfer to be rejected, got %+v", events)
	}
}

func TestBurnMainTokenShrinksSupply(t *testing.T) {
	w := newTestWorld(t)
	w.State.MainToken.Accounts["player:alice"] = types.Account{Liquid: 50}
	w.State.MainToken.Supply = types.Supply{Total: 50, GenesisTotal: 50, Circulating: 50, Issued: 50}

	events := w.Apply(mustAction(t, "burn-1", "player:alice", "BurnMainToken", BurnMainTokenPayload{
		AccountID: "player:alice", Amount: 20,
	}), 1)
	if len(events) != 1 || events[0].Kind != "MainTokenBurned" {
		t.Fatalf("expected MainTokenBurned, got %+v", events)
	}
	supply := w.State.MainToken.Supply
	if supply.Total != 30 || supply.Circulating != 30 || supply.Burned != 20 {
		t.Fatalf("supply wrong after burn: %+v", supply)
	}
}

func bindTestNode(t *testing.T, w *World, nodeID string) {
	t.Helper()
	w.Nodes.Bind(nodeID, "aa")
}

func configureRedeem(t *testing.T, w *World) {
	t.Helper()
	events := w.Apply(mustAction(t, "cfg-redeem", "system", "ConfigureRewardRuntime", ConfigureRewardRuntimePayload{
		Asset: &types.RewardAssetConfig{
			PointsPerCredit: 1, CreditsPerPowerUnit: 2, MaxRedeemPowerPerEpoch: 10, MinRedeemPowerUnit: 2,
		},
		AddReservePower: 100,
	}), 1)
	if len(events) != 1 || events[0].Kind != "RewardRuntimeConfigured" {
		t.Fatalf("expected RewardRuntimeConfigured, got %+v", events)
	}
}

func TestRedeemPowerCreditsBurnsAndDrawsReserve(t *testing.T) {
	w := newTestWorld(t)
	bindTestNode(t, w, "node-1")
	configureRedeem(t, w)
	w.State.Reward.Accounts["node-1"] = types.NodeRewardAccount{PowerCreditBalance: 20}

	events := w.Apply(mustAction(t, "rdm-1", "node-1", "RedeemPowerCredits", RedeemPowerCreditsPayload{
		EpochIndex: 1, NodeID: "node-1", PowerUnits: 5, RedeemNonce: 1,
	}), 1)
	if len(events) != 1 || events[0].Kind != "PowerCreditsRedeemed" {
		t.Fatalf("expected PowerCreditsRedeemed, got %+v", events)
	}
	acct := w.State.Reward.Accounts["node-1"]
	if acct.PowerCreditBalance != 10 || acct.TotalBurned != 10 || acct.RedeemNonce != 1 {
		t.Fatalf("account wrong after redeem: %+v", acct)
	}
	if w.State.Reward.Reserve != 95 {
		t.Fatalf("reserve must shrink by redeemed power units, got %d", w.State.Reward.Reserve)
	}

	// Nonce replay.
	events = w.Apply(mustAction(t, "rdm-2", "node-1", "RedeemPowerCredits", RedeemPowerCreditsPayload{
		EpochIndex: 1, NodeID: "node-1", PowerUnits: 2, RedeemNonce: 1,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected nonce replay to be rejected, got %+v", events)
	}

	// Below min_redeem_power_unit.
	events = w.Apply(mustAction(t, "rdm-3", "node-1", "RedeemPowerCredits", RedeemPowerCreditsPayload{
		EpochIndex: 1, NodeID: "node-1", PowerUnits: 1, RedeemNonce: 2,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected sub-minimum redeem to be rejected, got %+v", events)
	}

	// Per-epoch cap: 5 already redeemed this epoch, cap is 10.
	events = w.Apply(mustAction(t, "rdm-4", "node-1", "RedeemPowerCredits", RedeemPowerCreditsPayload{
		EpochIndex: 1, NodeID: "node-1", PowerUnits: 6, RedeemNonce: 2,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected over-cap redeem to be rejected, got %+v", events)
	}
}

func TestGrantAndRevokeModuleCapability(t *testing.T) {
	w := newTestWorld(t)

	events := w.Apply(mustAction(t, "grant-1", "system", "GrantModuleCapability", GrantModuleCapabilityPayload{
		CapID: "cap.emit", Kind: "emit",
	}), 1)
	if len(events) != 1 || events[0].Kind != "ModuleCapabilityGranted" {
		t.Fatalf("expected ModuleCapabilityGranted, got %+v", events)
	}

	events = w.Apply(mustAction(t, "grant-2", "system", "GrantModuleCapability", GrantModuleCapabilityPayload{
		CapID: "cap.emit", Kind: "emit",
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected duplicate grant to be rejected, got %+v", events)
	}

	// A manifest requiring the held cap installs; after revocation the
	// same manifest no longer validates.
	m := validTestManifest("m-caps", "v1")
	m.RequiredCaps = []string{"cap.emit"}
	events = w.Apply(mustAction(t, "install-1", "system", "InstallModule", InstallModulePayload{Manifest: m}), 1)
	if len(events) != 1 || events[0].Kind != "ModuleInstalled" {
		t.Fatalf("expected ModuleInstalled with held cap, got %+v", events)
	}

	events = w.Apply(mustAction(t, "revoke-1", "system", "RevokeModuleCapability", RevokeModuleCapabilityPayload{CapID: "cap.emit"}), 1)
	if len(events) != 1 || events[0].Kind != "ModuleCapabilityRevoked" {
		t.Fatalf("expected ModuleCapabilityRevoked, got %+v", events)
	}

	m2 := validTestManifest("m-caps", "v2")
	m2.RequiredCaps = []string{"cap.emit"}
	events = w.Apply(mustAction(t, "install-2", "system", "InstallModule", InstallModulePayload{Manifest: m2}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected install after revocation to be rejected, got %+v", events)
	}
}
