package pipe_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/pipe"
)

func TestCapacityExactWriteSucceedsSynchronously(t *testing.T) {
	p := pipe.New(4)
	n, err := p.WriteSync([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestCapacityPlusOneShortWrite(t *testing.T) {
	p := pipe.New(4)
	n, err := p.WriteSync([]byte("abcde"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestCapacityPlusOneAsyncSuspendsForRemainder(t *testing.T) {
	p := pipe.New(4)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		n, err := p.WriteAsync(ctx, []byte("abcde"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
		close(done)
	}()

	// Drain one byte so the writer can finish.
	time.Sleep(10 * time.Millisecond)
	data, err := p.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "a", string(data))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer never unblocked")
	}
}

// I2: every byte accepted at the write end appears at the read end
// exactly once, in the order accepted.
func TestByteOrderingPreserved(t *testing.T) {
	p := pipe.New(1024)
	ctx := context.Background()
	_, err := p.WriteSync([]byte("hello "))
	require.NoError(t, err)
	_, err = p.WriteSync([]byte("world"))
	require.NoError(t, err)

	data, err := p.Read(ctx, 1024)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestReadBlocksThenSeesWrite(t *testing.T) {
	p := pipe.New(16)
	ctx := context.Background()
	result := make(chan string, 1)
	go func() {
		data, err := p.Read(ctx, 16)
		require.NoError(t, err)
		result <- string(data)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := p.WriteSync([]byte("late"))
	require.NoError(t, err)

	select {
	case got := <-result:
		require.Equal(t, "late", got)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestWriteCloseWakesBlockedReaderWithEOF(t *testing.T) {
	p := pipe.New(16)
	ctx := context.Background()
	result := make(chan error, 1)
	go func() {
		_, err := p.Read(ctx, 16)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.CloseWrite()

	select {
	case err := <-result:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

// I3: if the consumer closes its read end before the producer finishes,
// the producer's next write returns EPIPE.
func TestReadCloseCausesEPIPEOnWrite(t *testing.T) {
	p := pipe.New(16)
	p.CloseRead()

	_, err := p.WriteSync([]byte("x"))
	require.True(t, errs.Is(err, errs.EPIPE))

	_, err = p.WriteAsync(context.Background(), []byte("x"))
	require.True(t, errs.Is(err, errs.EPIPE))
}

func TestReadCloseWakesBlockedWriterWithEPIPE(t *testing.T) {
	p := pipe.New(4)
	ctx := context.Background()
	// Fill the buffer so the next write must suspend.
	_, err := p.WriteSync([]byte("abcd"))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := p.WriteAsync(ctx, []byte("e"))
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.CloseRead()

	select {
	case err := <-result:
		require.True(t, errs.Is(err, errs.EPIPE))
	case <-time.After(time.Second):
		t.Fatal("writer never woke up")
	}
}

func TestReadAfterWriteCloseDrainsRemainderThenEOFForever(t *testing.T) {
	p := pipe.New(16)
	ctx := context.Background()
	_, err := p.WriteSync([]byte("tail"))
	require.NoError(t, err)
	p.CloseWrite()

	data, err := p.Read(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, "tail", string(data))

	_, err = p.Read(ctx, 16)
	require.ErrorIs(t, err, io.EOF)
	_, err = p.Read(ctx, 16)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadCancelledByContext(t *testing.T) {
	p := pipe.New(16)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Read(ctx, 16)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
