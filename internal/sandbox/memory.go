package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// guestMemory wraps the single exported memory every guest module must
// declare, plus the two allocator exports (durable_alloc / durable_free) a
// guest must provide so the host can hand it buffers it does not already
// own — the flattened replacement for the canonical ABI's realloc intrinsic.
type guestMemory struct {
	mem   api.Memory
	alloc api.Function
	free  api.Function
}

func newGuestMemory(mod api.Module) (*guestMemory, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("sandbox: guest module does not export memory")
	}
	alloc := mod.ExportedFunction("durable_alloc")
	if alloc == nil {
		return nil, fmt.Errorf("sandbox: guest module does not export durable_alloc")
	}
	free := mod.ExportedFunction("durable_free")
	if free == nil {
		return nil, fmt.Errorf("sandbox: guest module does not export durable_free")
	}
	return &guestMemory{mem: mem, alloc: alloc, free: free}, nil
}

// readBytes copies length bytes out of guest memory at ptr.
func (g *guestMemory) readBytes(ptr, length uint32) ([]byte, error) {
	buf, ok := g.mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("sandbox: out-of-bounds guest read at %d len %d", ptr, length)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// writeBytes asks the guest to allocate len(data) bytes, copies data into
// that region, and returns the resulting pointer. The guest owns the
// returned memory and is responsible for eventually calling durable_free.
func (g *guestMemory) writeBytes(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	res, err := g.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("sandbox: durable_alloc call failed: %w", err)
	}
	ptr := uint32(res[0])
	if !g.mem.Write(ptr, data) {
		return 0, fmt.Errorf("sandbox: out-of-bounds guest write at %d len %d", ptr, len(data))
	}
	return ptr, nil
}

// packResult packs a (ptr, len) pair the way every host function returning
// guest-owned, variable-length data does: high 32 bits are the pointer, low
// 32 bits are the length. The guest unpacks with the matching convention on
// its side of the generated bindings.
func packResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}
