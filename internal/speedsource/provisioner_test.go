package speedsource_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingFetcher writes fixed content and fails the first failures calls.
type countingFetcher struct {
	calls    atomic.Int32
	failures int32
	content  string
}

func (f *countingFetcher) Fetch(ctx context.Context, dstPath string) error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return errors.New("package source offline")
	}
	return os.WriteFile(dstPath, []byte(f.content), 0o644)
}

// slowFetcher takes delay to write its content unless ctx ends first.
type slowFetcher struct {
	calls atomic.Int32
	delay time.Duration
}

func (f *slowFetcher) Fetch(ctx context.Context, dstPath string) error {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(dstPath, []byte("package"), 0o644)
}

type mockObjectOpener struct {
	mock.Mock
}

func (m *mockObjectOpener) Open(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	args := m.Called(ctx, bucketName, objectName)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func TestProvisioner_Ensure_FetchesOnceUnderConcurrency(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &countingFetcher{content: "package"}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Ensure(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())

	data, err := os.ReadFile(writable)
	require.NoError(t, err)
	assert.Equal(t, "package", string(data))

	exists, err := fs.IsFileExists(writable + ".provisioning")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProvisioner_Ensure_RetriesAfterFailure(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &countingFetcher{content: "package", failures: 1}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop())

	err := p.Ensure(context.Background())
	assert.ErrorIs(t, err, speedsource.ErrStoreUnavailable)

	err = p.Ensure(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProvisioner_Ensure_KeepsExistingStore(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &countingFetcher{content: "package"}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	require.NoError(t, os.WriteFile(writable, []byte("already here"), 0o644))
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop())

	assert.NoError(t, p.Ensure(context.Background()))
	assert.Equal(t, int32(0), fetcher.calls.Load())
	assert.Equal(t, writable, p.Path())
}

func TestProvisioner_Ensure_DownloadOutlivesShortCallerDeadlines(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &slowFetcher{delay: 200 * time.Millisecond}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop())

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := p.Ensure(ctx)
		cancel()
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}
	}

	assert.Eventually(t, func() bool {
		exists, err := fs.IsFileExists(writable)
		return err == nil && exists
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Ensure(context.Background()))
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestProvisioner_Ensure_CallerDeadlineDoesNotWaitForDownload(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &slowFetcher{delay: 300 * time.Millisecond}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Ensure(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// The abandoned attempt still completes.
	require.NoError(t, p.Ensure(context.Background()))
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestProvisioner_Ensure_FetchTimeoutFailsAttempt(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &slowFetcher{delay: time.Minute}
	writable := filepath.Join(t.TempDir(), "store.sqlite")
	p := speedsource.NewProvisioner(fetcher, writable, "", fs, zerolog.Nop()).
		WithFetchTimeout(20 * time.Millisecond)

	err := p.Ensure(context.Background())
	assert.ErrorIs(t, err, speedsource.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The failed attempt is not cached.
	err = p.Ensure(context.Background())
	assert.ErrorIs(t, err, speedsource.ErrStoreUnavailable)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProvisioner_Ensure_CancelledContextStartsNothing(t *testing.T) {
	fs := file.NewFileService()
	fetcher := &countingFetcher{content: "package"}
	p := speedsource.NewProvisioner(fetcher, filepath.Join(t.TempDir(), "store.sqlite"), "", fs, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Ensure(ctx), context.Canceled)
	assert.Equal(t, int32(0), fetcher.calls.Load())
}

func TestObjectPackage_Fetch(t *testing.T) {
	fs := file.NewFileService()
	storage := new(mockObjectOpener)
	storage.On("Open", mock.Anything, "datasets", "speed_limits.sqlite").
		Return(io.NopCloser(strings.NewReader("object body")), nil)

	dst := filepath.Join(t.TempDir(), "fetched.sqlite")
	pkg := speedsource.ObjectPackage{Bucket: "datasets", Object: "speed_limits.sqlite", Storage: storage, FileClient: fs}

	require.NoError(t, pkg.Fetch(context.Background(), dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "object body", string(data))
	storage.AssertExpectations(t)
}

func TestObjectPackage_FetchError(t *testing.T) {
	storage := new(mockObjectOpener)
	storage.On("Open", mock.Anything, "datasets", "missing").Return(nil, errors.New("no such key"))

	writable := filepath.Join(t.TempDir(), "store.sqlite")
	fs := file.NewFileService()
	pkg := speedsource.ObjectPackage{Bucket: "datasets", Object: "missing", Storage: storage, FileClient: fs}
	p := speedsource.NewProvisioner(pkg, writable, "", fs, zerolog.Nop())

	err := p.Ensure(context.Background())

	assert.ErrorIs(t, err, speedsource.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "no such key")
}
