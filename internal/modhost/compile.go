package modhost

import "agent-world/internal/crypto"

// CompileResult is the deterministic output of compiling a module from
// source, ready to feed into Marketplace.Deploy and ArtifactIdentity.
type CompileResult struct {
	WasmBytes         []byte
	SourceHash        string
	BuildManifestHash string
}

// CompileSource performs the deterministic source -> artifact transform.
// The reference host does not embed a real wasm toolchain (out of scope
// per spec.md §1's exclusion of module domain logic); it treats pre-built
// wasmBytes as the compiled artifact and simply derives the content
// hashes a real toolchain would also produce, so the signing and registry
// pipeline downstream is exercised identically to a real build.
func CompileSource(sourceBytes, buildManifestBytes, wasmBytes []byte) CompileResult {
	return CompileResult{
		WasmBytes:         wasmBytes,
		SourceHash:        crypto.SHA256Hex(sourceBytes),
		BuildManifestHash: crypto.SHA256Hex(buildManifestBytes),
	}
}
