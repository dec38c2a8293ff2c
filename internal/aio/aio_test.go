package aio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, contents []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "aio-*")
	require.NoError(t, err)
	_, err = f.Write(contents)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileBackendReadRoundTrip(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	f := tempFile(t, want)

	b, err := New(KindFile)
	require.NoError(t, err)
	require.NoError(t, b.Setup(4))
	require.NoError(t, b.Register(0, 0, int(f.Fd()), 0))

	buf := make([]byte, len(want))
	req := &Request{}
	require.NoError(t, b.Read(int(f.Fd()), buf, 0, req))

	n, err := b.Return(req)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Equal(t, want, buf)
	require.NoError(t, b.Destroy())
}

func TestFileBackendErrorReflectsProgress(t *testing.T) {
	f := tempFile(t, make([]byte, 4096))

	b, err := New(KindFile)
	require.NoError(t, err)
	require.NoError(t, b.Setup(1))

	req := &Request{}
	require.Equal(t, ErrInvalid, b.Error(req))

	buf := make([]byte, 4096)
	require.NoError(t, b.Read(int(f.Fd()), buf, 0, req))
	_, err = b.Return(req)
	require.NoError(t, err)
}

func TestFileBackendSuspendReturnsOnFirstCompletion(t *testing.T) {
	f := tempFile(t, make([]byte, 8192))

	b, err := New(KindFile)
	require.NoError(t, err)
	require.NoError(t, b.Setup(4))

	reqs := make([]*Request, 3)
	bufs := make([][]byte, 3)
	for i := range reqs {
		reqs[i] = &Request{}
		bufs[i] = make([]byte, 4096)
		require.NoError(t, b.Read(int(f.Fd()), bufs[i], int64(i*4096)%4096, reqs[i]))
	}

	require.NoError(t, b.Suspend(reqs))

	completed := false
	for _, r := range reqs {
		if b.Error(r) == nil {
			completed = true
		}
	}
	require.True(t, completed)

	for _, r := range reqs {
		_, _ = b.Return(r)
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Kind("bogus"))
	require.Error(t, err)
}
