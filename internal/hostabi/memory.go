package hostabi

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// readBytes copies length bytes starting at ptr out of guest memory.
func readBytes(ctx context.Context, mem api.Memory, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	b, ok := mem.Read(ctx, ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func readString(ctx context.Context, mem api.Memory, ptr, length uint32) (string, bool) {
	b, ok := readBytes(ctx, mem, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeOut implements the "(out-pointer, out-capacity)" convention
// spec.md §4.6 gives every host call that returns a variable amount of
// data: if data fits in outCap, it is copied in and the byte count is
// returned; otherwise nothing is written and the required size is
// returned so the guest can grow its buffer and retry. Because both
// numbers share one return slot, a guest distinguishes them by comparing
// the result against the capacity it passed in.
func writeOut(ctx context.Context, mem api.Memory, outPtr, outCap uint32, data []byte) uint32 {
	if uint32(len(data)) > outCap {
		return uint32(len(data))
	}
	if len(data) == 0 {
		return 0
	}
	mem.Write(ctx, outPtr, data)
	return uint32(len(data))
}
