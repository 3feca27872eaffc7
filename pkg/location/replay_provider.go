package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benmeehan/speed-agent/pkg/file"
)

// ReplayProvider replays a recorded NMEA log, one fix per call. With loop
// set it starts over at the end of the log; otherwise it returns io.EOF.
type ReplayProvider struct {
	path       string
	loop       bool
	fileClient file.FileOperations
	now        func() time.Time

	mu     sync.Mutex
	src    io.ReadCloser
	reader *sentenceReader
}

// NewReplayProvider creates a replay provider for the log at path.
func NewReplayProvider(path string, loop bool, fileClient file.FileOperations) *ReplayProvider {
	return &ReplayProvider{
		path:       path,
		loop:       loop,
		fileClient: fileClient,
		now:        time.Now,
	}
}

// GetLocation returns the next fix in the log.
func (p *ReplayProvider) GetLocation(ctx context.Context) (Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// One rewind per call so an empty log cannot spin forever.
	for rewound := false; ; rewound = true {
		if p.reader == nil {
			if err := p.openLocked(); err != nil {
				return Location{}, err
			}
		}

		loc, err := p.reader.next(ctx)
		if err == nil {
			return loc, nil
		}
		if !errors.Is(err, io.EOF) {
			return Location{}, err
		}

		p.closeLocked()
		if !p.loop || rewound {
			return Location{}, io.EOF
		}
	}
}

// Close closes the log.
func (p *ReplayProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *ReplayProvider) openLocked() error {
	src, err := p.fileClient.Open(p.path)
	if err != nil {
		return fmt.Errorf("failed to open NMEA log %s: %w", p.path, err)
	}
	p.src = src
	p.reader = newSentenceReader(src, p.now)
	return nil
}

func (p *ReplayProvider) closeLocked() error {
	p.reader = nil
	if p.src == nil {
		return nil
	}
	err := p.src.Close()
	p.src = nil
	return err
}
