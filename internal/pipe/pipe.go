// Package pipe implements the unidirectional bounded async FIFO described
// by spec.md §3 "Async pipe" and §4.3: one read end, one write end,
// short/partial writes on a synchronous fast path, and a blocking path
// used to express suspension (spec.md §5) that a caller can cancel via
// context.
//
// Design Notes §9 asks for "Promise/await-backed pipe suspensions" to map
// onto "the native asynchrony primitive of the target (fibers, tasks,
// coroutines)". In Go that primitive is a goroutine blocked on a channel
// receive: each guest process already runs its own goroutine (see
// internal/kernel), so a pipe read/write that would suspend a JS-style
// guest simply blocks that goroutine here, and ctx cancellation (driven
// by the shell driver's per-command deadline) unblocks it early.
package pipe

import (
	"context"
	"io"
	"sync"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// Pipe is a bounded byte FIFO with one read end and one write end. The
// kernel hands the endpoints out as a pair; the fd-target wrapping an
// endpoint may be shared by several fd tables (a spawned child shares
// its parent's), and closing either end through any of them closes it
// for all.
type Pipe struct {
	mu          sync.Mutex
	chunks      [][]byte
	bufLen      int
	capacity    int
	writeClosed bool
	readClosed  bool
	readReady   chan struct{}
	writeReady  chan struct{}
}

// New creates a pipe with the given byte capacity.
func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Pipe{
		capacity:   capacity,
		readReady:  make(chan struct{}),
		writeReady: make(chan struct{}),
	}
}

func (p *Pipe) lock()   { p.mu.Lock() }
func (p *Pipe) unlock() { p.mu.Unlock() }

func (p *Pipe) signalReadReady() {
	close(p.readReady)
	p.readReady = make(chan struct{})
}

func (p *Pipe) signalWriteReady() {
	close(p.writeReady)
	p.writeReady = make(chan struct{})
}

// Read blocks until at least one byte is available, the write end is
// closed (returns io.EOF), or ctx is done. It never blocks if data is
// already buffered, even after the write end has closed (writeClosed:
// "read drains remainder, then returns 0 forever").
func (p *Pipe) Read(ctx context.Context, max int) ([]byte, error) {
	for {
		p.lock()
		if p.bufLen > 0 {
			data := p.drainLocked(max)
			p.unlock()
			return data, nil
		}
		if p.writeClosed {
			p.unlock()
			return nil, io.EOF
		}
		ready := p.readReady
		p.unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pipe) drainLocked(max int) []byte {
	if max <= 0 || max > p.bufLen {
		max = p.bufLen
	}
	out := make([]byte, 0, max)
	for max > 0 && len(p.chunks) > 0 {
		chunk := p.chunks[0]
		if len(chunk) <= max {
			out = append(out, chunk...)
			max -= len(chunk)
			p.chunks = p.chunks[1:]
		} else {
			out = append(out, chunk[:max]...)
			p.chunks[0] = chunk[max:]
			max = 0
		}
	}
	p.bufLen -= len(out)
	p.signalWriteReady()
	return out
}

// WriteSync accepts up to capacity-available bytes without blocking and
// returns the count accepted, which may be short (spec.md §4.3 "Full+Open:
// synchronous write returns 0 (short)"). It returns EPIPE if the read end
// is already closed.
func (p *Pipe) WriteSync(data []byte) (int, error) {
	p.lock()
	defer p.unlock()
	if p.readClosed {
		return 0, errs.Newf(errs.EPIPE, "write on closed pipe")
	}
	free := p.capacity - p.bufLen
	n := len(data)
	if n > free {
		n = free
	}
	if n > 0 {
		p.chunks = append(p.chunks, append([]byte(nil), data[:n]...))
		p.bufLen += n
		p.signalReadReady()
	}
	return n, nil
}

// WriteAsync writes all of data, suspending (blocking) while the buffer
// is full, until every byte is accepted, the read end closes (returns
// the bytes written so far plus EPIPE), or ctx is done.
func (p *Pipe) WriteAsync(ctx context.Context, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := p.WriteSync(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if total == len(data) {
			return total, nil
		}
		p.lock()
		if p.readClosed {
			p.unlock()
			return total, errs.Newf(errs.EPIPE, "write on closed pipe")
		}
		ready := p.writeReady
		p.unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, nil
}

// CloseWrite marks the write end closed. A reader blocked in Read with an
// empty buffer wakes with io.EOF; idempotent.
func (p *Pipe) CloseWrite() {
	p.lock()
	defer p.unlock()
	if p.writeClosed {
		return
	}
	p.writeClosed = true
	p.signalReadReady()
}

// CloseRead marks the read end closed. A writer blocked in WriteAsync
// wakes with EPIPE; idempotent. Bytes still in the buffer are left in
// place.
func (p *Pipe) CloseRead() {
	p.lock()
	defer p.unlock()
	if p.readClosed {
		return
	}
	p.readClosed = true
	p.signalWriteReady()
}

func (p *Pipe) IsWriteClosed() bool {
	p.lock()
	defer p.unlock()
	return p.writeClosed
}

func (p *Pipe) IsReadClosed() bool {
	p.lock()
	defer p.unlock()
	return p.readClosed
}
