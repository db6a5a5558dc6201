package policyabi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// host wraps one instantiated guest module and implements the
// allocate/write/call/read/deallocate cycle every entry point uses.
type host struct {
	runtime wazero.Runtime
	module  api.Module
}

// newHost compiles and instantiates wasmBytes, running its "setup"
// export (if present) once, immediately after instantiation.
func newHost(ctx context.Context, wasmBytes []byte) (*host, error) {
	runtime := wazero.NewRuntime(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("policyabi: compile guest module: %w", err)
	}

	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("policyabi: instantiate guest module: %w", err)
	}

	h := &host{runtime: runtime, module: module}

	if setup := module.ExportedFunction("setup"); setup != nil {
		if _, err := setup.Call(ctx); err != nil {
			h.Close(ctx)
			return nil, fmt.Errorf("policyabi: guest setup: %w", err)
		}
	}

	return h, nil
}

func (h *host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// alloc asks the guest's own "allocate" export for n bytes of its
// linear memory; the guest, not the host, owns its allocator.
func (h *host) alloc(ctx context.Context, n uint32) (uint32, error) {
	fn := h.module.ExportedFunction("allocate")
	if fn == nil {
		return 0, fmt.Errorf("policyabi: guest does not export allocate")
	}
	results, err := fn.Call(ctx, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("policyabi: allocate(%d): %w", n, err)
	}
	return uint32(results[0]), nil
}

func (h *host) dealloc(ctx context.Context, ptr, n uint32) {
	fn := h.module.ExportedFunction("deallocate")
	if fn == nil {
		return
	}
	// Best-effort: a guest that leaks on a failed deallocate is a guest
	// bug, not something the host can repair from outside the sandbox.
	_, _ = fn.Call(ctx, uint64(ptr), uint64(n))
}

// call marshals req, hands it to the named guest entry point following
// the (ptr, len) -> (len<<32 | ptr) calling convention, and unmarshals
// the guest's response into resp.
func (h *host) call(ctx context.Context, name string, req, resp interface{}) error {
	fn := h.module.ExportedFunction(name)
	if fn == nil {
		return fmt.Errorf("policyabi: guest does not export %s", name)
	}

	reqBytes, err := encode(req)
	if err != nil {
		return fmt.Errorf("policyabi: encode %s request: %w", name, err)
	}

	mem := h.module.Memory()

	inPtr, err := h.alloc(ctx, uint32(len(reqBytes)))
	if err != nil {
		return err
	}
	defer h.dealloc(ctx, inPtr, uint32(len(reqBytes)))

	if !mem.Write(inPtr, reqBytes) {
		return fmt.Errorf("policyabi: write %s request into guest memory: out of range", name)
	}

	results, err := fn.Call(ctx, uint64(inPtr), uint64(len(reqBytes)))
	if err != nil {
		return fmt.Errorf("policyabi: call %s: %w", name, err)
	}
	if len(results) != 1 {
		return fmt.Errorf("policyabi: %s returned %d values, want 1", name, len(results))
	}

	packed := results[0]
	outPtr := uint32(packed)
	outLen := uint32(packed >> 32)
	defer h.dealloc(ctx, outPtr, outLen)

	respBytes, ok := mem.Read(outPtr, outLen)
	if !ok {
		return fmt.Errorf("policyabi: read %s response from guest memory: out of range", name)
	}

	if err := decode(respBytes, resp); err != nil {
		return fmt.Errorf("policyabi: decode %s response: %w", name, err)
	}
	return nil
}
