package modhost

import "context"

// FailureCode enumerates ModuleCallFailure.code values from §4.2.
type FailureCode string

const (
	FailTrap               FailureCode = "Trap"
	FailTimeout            FailureCode = "Timeout"
	FailOutOfFuel          FailureCode = "OutOfFuel"
	FailInterrupted        FailureCode = "Interrupted"
	FailOutputTooLarge     FailureCode = "OutputTooLarge"
	FailEffectLimitExceeded FailureCode = "EffectLimitExceeded"
	FailEmitLimitExceeded  FailureCode = "EmitLimitExceeded"
	FailCapsDenied         FailureCode = "CapsDenied"
	FailPolicyDenied       FailureCode = "PolicyDenied"
	FailSandboxUnavailable FailureCode = "SandboxUnavailable"
	FailInvalidOutput      FailureCode = "InvalidOutput"
)

// ModuleCallRequest is the input to one sandboxed module invocation.
type ModuleCallRequest struct {
	ModuleID   string
	WasmHash   string
	TraceID    string
	Entrypoint string
	InputCBOR  []byte
	Limits     ResourceLimits
	WasmBytes  []byte
}

// Effect is one state-machine action a module output asks the host to
// apply next. Effects re-enter the state machine as subsequent Actions.
type Effect struct {
	ActionKind string
	Payload    []byte
}

// Emit is a module-originated event, folded into the journal as a
// ModuleEmit event.
type Emit struct {
	Kind    string
	Payload []byte
}

// TickLifecycle schedules or suspends a module's subsequent Tick
// subscription dispatches.
type TickLifecycle struct {
	Suspend       bool
	ResumeAtTick  uint64
}

// ModuleOutput is a successful sandboxed call result.
type ModuleOutput struct {
	NewState      []byte
	Effects       []Effect
	Emits         []Emit
	TickLifecycle *TickLifecycle
	OutputBytes   uint64
}

// ModuleCallFailure describes why a sandboxed call did not produce a
// usable ModuleOutput.
type ModuleCallFailure struct {
	Code    FailureCode
	Message string
}

func (f *ModuleCallFailure) Error() string { return string(f.Code) + ": " + f.Message }

// Sandbox is the capability interface a concrete sandbox implementation
// (in-process reference, or an out-of-process wasm runtime) must satisfy.
// Host.Invoke enforces the configured maxima, call_rate, gas (as a call
// deadline) and the output_bytes, effects and emits limits itself, whatever
// the implementation already checked; output_bytes is compared as the
// output reports it, and memory_bytes is checked only against the maxima,
// not measured during the call.
type Sandbox interface {
	Call(ctx context.Context, req ModuleCallRequest) (*ModuleOutput, *ModuleCallFailure)
}

// EntrypointFunc is the Go-native implementation of one module entrypoint,
// used by LocalSandbox to host trusted, pre-compiled modules without an
// out-of-process wasm runtime. This is the reference sandbox: it checks the
// output_bytes, effects and emits limits of the request it is given; memory,
// gas and call_rate are not checked here.
type EntrypointFunc func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure)

// LocalSandbox dispatches to in-process Go entrypoints keyed by
// "module_id@wasm_hash/entrypoint", checking the guest function's output
// against the request's declared limits after invoking it.
type LocalSandbox struct {
	entrypoints map[string]EntrypointFunc
}

// NewLocalSandbox constructs an empty in-process sandbox.
func NewLocalSandbox() *LocalSandbox {
	return &LocalSandbox{entrypoints: make(map[string]EntrypointFunc)}
}

// Register binds a Go entrypoint function for moduleID/wasmHash/entrypoint.
func (s *LocalSandbox) Register(moduleID, wasmHash, entrypoint string, fn EntrypointFunc) {
	s.entrypoints[key(moduleID, wasmHash, entrypoint)] = fn
}

func key(moduleID, wasmHash, entrypoint string) string {
	return moduleID + "@" + wasmHash + "/" + entrypoint
}

func (s *LocalSandbox) Call(ctx context.Context, req ModuleCallRequest) (*ModuleOutput, *ModuleCallFailure) {
	fn, ok := s.entrypoints[key(req.ModuleID, req.WasmHash, req.Entrypoint)]
	if !ok {
		return nil, &ModuleCallFailure{Code: FailSandboxUnavailable, Message: "no entrypoint registered for " + req.Entrypoint}
	}
	out, failure := fn(ctx, req.InputCBOR)
	if failure != nil {
		return nil, failure
	}
	if out == nil {
		return nil, &ModuleCallFailure{Code: FailInvalidOutput, Message: "nil output"}
	}
	if req.Limits.OutputBytes > 0 && out.OutputBytes > req.Limits.OutputBytes {
		return nil, &ModuleCallFailure{Code: FailOutputTooLarge, Message: "output exceeds limit"}
	}
	if req.Limits.Effects > 0 && uint32(len(out.Effects)) > req.Limits.Effects {
		return nil, &ModuleCallFailure{Code: FailEffectLimitExceeded, Message: "effects exceed limit"}
	}
	if req.Limits.Emits > 0 && uint32(len(out.Emits)) > req.Limits.Emits {
		return nil, &ModuleCallFailure{Code: FailEmitLimitExceeded, Message: "emits exceed limit"}
	}
	return out, nil
}
