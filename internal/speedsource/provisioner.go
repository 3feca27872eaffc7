package speedsource

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/rs/zerolog"
)

// PackageFetcher writes a packaged asset to a local path.
type PackageFetcher interface {
	Fetch(ctx context.Context, dstPath string) error
}

// FilePackage copies the package from a read-only path on disk.
type FilePackage struct {
	Path       string
	FileClient file.FileOperations
}

// Fetch copies the package into dstPath.
func (p FilePackage) Fetch(ctx context.Context, dstPath string) error {
	exists, err := p.FileClient.IsFileExists(p.Path)
	if err != nil {
		return fmt.Errorf("failed to stat package %s: %w", p.Path, err)
	}
	if !exists {
		return fmt.Errorf("package %s is missing", p.Path)
	}
	return p.FileClient.CopyFile(p.Path, dstPath)
}

// ObjectOpener is the part of the object storage client the fetchers need.
type ObjectOpener interface {
	Open(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error)
}

// ObjectPackage downloads the package from object storage.
type ObjectPackage struct {
	Bucket     string
	Object     string
	Storage    ObjectOpener
	FileClient file.FileOperations
}

// Fetch streams the object into dstPath.
func (p ObjectPackage) Fetch(ctx context.Context, dstPath string) error {
	r, err := p.Storage.Open(ctx, p.Bucket, p.Object)
	if err != nil {
		return err
	}
	defer r.Close()

	return p.FileClient.WriteFromReader(dstPath, r)
}

// Provisioner makes the writable store available exactly once. Concurrent
// callers share one attempt. The attempt runs detached from the caller's
// context under its own timeout, so a caller giving up does not abort a
// download others may still need. A failed attempt is retried by the next
// caller rather than cached.
type Provisioner struct {
	fetcher      PackageFetcher
	writablePath string
	sha256       string
	fileClient   file.FileOperations
	logger       zerolog.Logger
	fetchTimeout time.Duration

	mu       sync.Mutex
	done     bool
	inflight *attempt
}

type attempt struct {
	done chan struct{}
	err  error
}

// NewProvisioner creates a provisioner. expectedSHA256 may be empty to skip
// the integrity check.
func NewProvisioner(fetcher PackageFetcher, writablePath, expectedSHA256 string,
	fileClient file.FileOperations, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		fetcher:      fetcher,
		writablePath: writablePath,
		sha256:       strings.ToLower(strings.TrimSpace(expectedSHA256)),
		fileClient:   fileClient,
		logger:       logger,
		fetchTimeout: constants.DefaultProvisionTimeout,
	}
}

// WithFetchTimeout bounds each provisioning attempt. Non-positive values
// keep the default.
func (p *Provisioner) WithFetchTimeout(d time.Duration) *Provisioner {
	if d > 0 {
		p.fetchTimeout = d
	}
	return p
}

// Path returns the writable store location.
func (p *Provisioner) Path() string {
	return p.writablePath
}

// Ensure provisions the writable store if it does not exist yet. It returns
// ctx's error if ctx ends first; the attempt itself keeps running.
func (p *Provisioner) Ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil
	}
	a := p.inflight
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		p.inflight = a
		go p.run(context.WithoutCancel(ctx), a)
	}
	p.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provisioner) run(ctx context.Context, a *attempt) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	err := p.provision(ctx)

	p.mu.Lock()
	if err == nil {
		p.done = true
	}
	p.inflight = nil
	a.err = err
	p.mu.Unlock()
	close(a.done)
}

func (p *Provisioner) provision(ctx context.Context) error {
	exists, err := p.fileClient.IsFileExists(p.writablePath)
	if err != nil {
		return newSourceError(KindStoreUnavailable, "provision", err)
	}
	if exists {
		return nil
	}

	p.logger.Info().Str("path", p.writablePath).Msg("Provisioning geometry store from package")

	tmpPath := p.writablePath + ".provisioning"
	defer func() {
		if err := p.fileClient.RemoveFile(tmpPath); err != nil {
			p.logger.Warn().Err(err).Str("path", tmpPath).Msg("Failed to remove provisioning leftovers")
		}
	}()

	if err := p.fetcher.Fetch(ctx, tmpPath); err != nil {
		return newSourceError(KindStoreUnavailable, "provision", err)
	}

	if p.sha256 != "" {
		hash, err := p.fileClient.GetFileHash(tmpPath)
		if err != nil {
			return newSourceError(KindStoreUnavailable, "provision", err)
		}
		if hash != p.sha256 {
			return newSourceError(KindStoreUnavailable, "provision",
				fmt.Errorf("package checksum mismatch: got %s, want %s", hash, p.sha256))
		}
	}

	if err := p.fileClient.MoveFile(tmpPath, p.writablePath); err != nil {
		return newSourceError(KindStoreUnavailable, "provision", err)
	}

	p.logger.Info().Str("path", p.writablePath).Msg("Geometry store provisioned")
	return nil
}
