package wasihost

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// iovec is a (ptr, len) pair as laid out by a guest's __wasi_iovec_t /
// __wasi_ciovec_t, 8 bytes little-endian.
type iovec struct {
	ptr uint32
	len uint32
}

func readIOVecs(ctx context.Context, mem api.Memory, iovsPtr, iovsLen uint32) ([]iovec, bool) {
	out := make([]iovec, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		base := iovsPtr + i*8
		ptr, ok := mem.ReadUint32Le(ctx, base)
		if !ok {
			return nil, false
		}
		length, ok := mem.ReadUint32Le(ctx, base+4)
		if !ok {
			return nil, false
		}
		out[i] = iovec{ptr: ptr, len: length}
	}
	return out, true
}

// gatherWrite concatenates every iovec's referenced memory into one
// buffer, matching fd_write's "scatter/gather" contract in the order the
// guest supplies them.
func gatherWrite(ctx context.Context, mem api.Memory, iovs []iovec) ([]byte, bool) {
	total := 0
	for _, v := range iovs {
		total += int(v.len)
	}
	buf := make([]byte, 0, total)
	for _, v := range iovs {
		if v.len == 0 {
			continue
		}
		chunk, ok := mem.Read(ctx, v.ptr, v.len)
		if !ok {
			return nil, false
		}
		buf = append(buf, chunk...)
	}
	return buf, true
}

// scatterRead writes data into the guest's iovecs in order, returning the
// number of bytes actually placed (data may be shorter than the total
// iovec capacity, never longer).
func scatterRead(ctx context.Context, mem api.Memory, iovs []iovec, data []byte) (uint32, bool) {
	var written uint32
	remaining := data
	for _, v := range iovs {
		if len(remaining) == 0 {
			break
		}
		n := v.len
		if uint32(len(remaining)) < n {
			n = uint32(len(remaining))
		}
		if n == 0 {
			continue
		}
		if !mem.Write(ctx, v.ptr, remaining[:n]) {
			return written, false
		}
		remaining = remaining[n:]
		written += n
	}
	return written, true
}

func readString(ctx context.Context, mem api.Memory, ptr, length uint32) (string, bool) {
	buf, ok := mem.Read(ctx, ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}
