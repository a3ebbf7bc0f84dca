package world

import (
	"agent-world/internal/crypto"
	"agent-world/internal/modhost"
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("InstallModule", applyInstallModule)
	registerHandler("ActivateModule", applyActivateModule)
	registerHandler("DeactivateModule", applyDeactivateModule)
	registerHandler("UpgradeModule", applyUpgradeModule)
	registerHandler("DeployArtifact", applyDeployArtifact)
	registerHandler("ListArtifact", applyListArtifact)
	registerHandler("BuyArtifact", applyBuyArtifact)
	registerHandler("DestroyArtifact", applyDestroyArtifact)
	registerHandler("CompileModuleSource", applyCompileModuleSource)
}

func rejectFromModuleErr(err error) *types.RejectReason {
	return &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: err.Error()}
}

// validationContext assembles the manifest-validation facts the reducer
// owns: the capability grants held in state, the host's configured maxima,
// and the bound-node-identity key resolver.
func validationContext(w *World, s *State, nowMs int64) modhost.ValidationContext {
	resolve := func(string) (string, bool) { return "", false }
	if w.Nodes != nil {
		resolve = w.Nodes.PublicKeyHex
	}
	return modhost.ValidationContext{HeldCaps: s.Caps, Maxima: w.ModHost.Maxima, NowMs: nowMs, PublicKeyOf: resolve}
}

// InstallModulePayload installs a single module version via the host's
// registry, without activating it.
type InstallModulePayload struct {
	Manifest modhost.Manifest `cbor:"manifest"`
}

func applyInstallModule(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p InstallModulePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	m := p.Manifest
	if err := modhost.ValidateManifest(m, validationContext(w, s, nowMs)); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	cs := modhost.ChangeSet{Changes: []modhost.Change{{Kind: modhost.ChangeInstall, Manifest: &m}}}
	if err := w.ModHost.InstallFromChangeSet(cs); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ModuleInstalled", p)}, nil
}

// ActivateModulePayload activates an already-installed module version.
type ActivateModulePayload struct {
	ModuleID string `cbor:"module_id"`
	Version  string `cbor:"version"`
}

func applyActivateModule(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ActivateModulePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	cs := modhost.ChangeSet{Changes: []modhost.Change{{Kind: modhost.ChangeActivate, ModuleID: p.ModuleID, Version: p.Version}}}
	if err := w.ModHost.InstallFromChangeSet(cs); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ModuleActivated", p)}, nil
}

// DeactivateModulePayload deactivates a currently-active module version.
type DeactivateModulePayload struct {
	ModuleID string `cbor:"module_id"`
	Version  string `cbor:"version"`
}

func applyDeactivateModule(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DeactivateModulePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	cs := modhost.ChangeSet{Changes: []modhost.Change{{Kind: modhost.ChangeDeactivate, ModuleID: p.ModuleID, Version: p.Version}}}
	if err := w.ModHost.InstallFromChangeSet(cs); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ModuleDeactivated", p)}, nil
}

// UpgradeModulePayload installs a new version and atomically flips it
// active in place of from_version.
type UpgradeModulePayload struct {
	ModuleID    string           `cbor:"module_id"`
	FromVersion string           `cbor:"from_version"`
	Manifest    modhost.Manifest `cbor:"manifest"`
}

func applyUpgradeModule(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p UpgradeModulePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	m := p.Manifest
	if err := modhost.ValidateManifest(m, validationContext(w, s, nowMs)); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	cs := modhost.ChangeSet{Changes: []modhost.Change{{
		Kind: modhost.ChangeUpgrade, ModuleID: p.ModuleID, FromVersion: p.FromVersion, Manifest: &m,
	}}}
	if err := w.ModHost.InstallFromChangeSet(cs); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ModuleUpgraded", p)}, nil
}

// DeployArtifactPayload registers compiled wasm bytes in the marketplace.
type DeployArtifactPayload struct {
	WasmBytes        []byte `cbor:"wasm_bytes"`
	PublisherAgentID string `cbor:"publisher_agent_id"`
}

func applyDeployArtifact(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DeployArtifactPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, ok := s.Agents[p.PublisherAgentID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "publisher not found"}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	art := w.ModHost.Marketplace.Deploy(p.WasmBytes, p.PublisherAgentID)
	return []types.Event{event(s, a.ActionID, "ArtifactDeployed", struct {
		WasmHash string `cbor:"wasm_hash"`
	}{art.WasmHash})}, nil
}

// ListArtifactPayload opens a sale listing, priced in a ResourceKind.
type ListArtifactPayload struct {
	WasmHash       string             `cbor:"wasm_hash"`
	SellerAgentID  string             `cbor:"seller_agent_id"`
	PriceKind      types.ResourceKind `cbor:"price_kind"`
	PriceAmount    int64              `cbor:"price_amount"`
}

func applyListArtifact(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ListArtifactPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.PriceAmount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "price_amount must be positive"}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	if err := w.ModHost.Marketplace.RequireOwner(p.WasmHash, p.SellerAgentID); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	if err := w.ModHost.Marketplace.List(p.WasmHash, string(p.PriceKind), p.PriceAmount); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ArtifactListed", p)}, nil
}

// BuyArtifactPayload fills an open listing, moving price_amount from the
// buyer to the seller atomically with the ownership transfer.
type BuyArtifactPayload struct {
	WasmHash     string `cbor:"wasm_hash"`
	BuyerAgentID string `cbor:"buyer_agent_id"`
}

func applyBuyArtifact(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p BuyArtifactPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	buyer, ok := s.Agents[p.BuyerAgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "buyer not found"}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	art, ok := w.ModHost.Marketplace.Get(p.WasmHash)
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "unknown artifact"}
	}
	if art.Listing == nil {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "artifact is not listed"}
	}
	priceKind := types.ResourceKind(art.Listing.PriceKind)
	priceAmount := art.Listing.PriceAmount
	seller, ok := s.Agents[art.PublisherAgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "seller not found"}
	}
	if buyer.Resources[priceKind] < priceAmount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "buyer balance insufficient"}
	}
	if seller.Resources[priceKind]+priceAmount < seller.Resources[priceKind] {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "seller balance would overflow"}
	}
	if _, err := w.ModHost.Marketplace.Buy(p.WasmHash, p.BuyerAgentID); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	buyer.Resources[priceKind] -= priceAmount
	seller.Resources[priceKind] += priceAmount
	return []types.Event{event(s, a.ActionID, "ArtifactBought", struct {
		WasmHash string `cbor:"wasm_hash"`
		Price    int64  `cbor:"price_amount"`
	}{p.WasmHash, priceAmount})}, nil
}

// DestroyArtifactPayload removes an artifact the caller owns from the
// marketplace entirely.
type DestroyArtifactPayload struct {
	WasmHash      string `cbor:"wasm_hash"`
	OwnerAgentID  string `cbor:"owner_agent_id"`
}

func applyDestroyArtifact(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DestroyArtifactPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.ModHost == nil {
		return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: "no module host configured"}
	}
	if err := w.ModHost.Marketplace.RequireOwner(p.WasmHash, p.OwnerAgentID); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	if err := w.ModHost.Marketplace.Destroy(p.WasmHash); err != nil {
		return nil, rejectFromModuleErr(err)
	}
	return []types.Event{event(s, a.ActionID, "ArtifactDestroyed", p)}, nil
}

// CompileModuleSourcePayload derives deterministic artifact hashes from
// source, build-manifest, and pre-built wasm bytes (see modhost.CompileSource
// for why no real wasm toolchain is invoked here).
type CompileModuleSourcePayload struct {
	SourceBytes        []byte `cbor:"source_bytes"`
	BuildManifestBytes []byte `cbor:"build_manifest_bytes"`
	WasmBytes          []byte `cbor:"wasm_bytes"`
	PublisherAgentID   string `cbor:"publisher_agent_id"`
}

func applyCompileModuleSource(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p CompileModuleSourcePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, ok := s.Agents[p.PublisherAgentID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "publisher not found"}
	}
	result := modhost.CompileSource(p.SourceBytes, p.BuildManifestBytes, p.WasmBytes)
	if w.ModHost != nil {
		w.ModHost.Marketplace.Deploy(result.WasmBytes, p.PublisherAgentID)
	}
	return []types.Event{event(s, a.ActionID, "ModuleSourceCompiled", struct {
		WasmHash          string `cbor:"wasm_hash"`
		SourceHash        string `cbor:"source_hash"`
		BuildManifestHash string `cbor:"build_manifest_hash"`
	}{
		WasmHash:          crypto.SHA256Hex(result.WasmBytes),
		SourceHash:        result.SourceHash,
		BuildManifestHash: result.BuildManifestHash,
	})}, nil
}
