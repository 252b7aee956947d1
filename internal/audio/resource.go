package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/klauspost/compress/zstd"
)

// PreparedResource is a track held compressed in memory. It is never mutated
// after preparation, so the cache slot and any number of live streams share
// the same value.
type PreparedResource struct {
	Locator    models.ResourceLocator
	RawSize    int64
	PreparedAt time.Time

	data []byte
}

func (r *PreparedResource) Size() int64 {
	return int64(len(r.data))
}

// NewStream clones the resource into an independent playable stream.
func (r *PreparedResource) NewStream() (io.ReadCloser, error) {
	dec, err := zstd.NewReader(bytes.NewReader(r.data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for %s: %w", r.Locator, err)
	}
	return dec.IOReadCloser(), nil
}

// Preparer turns a locator into a PreparedResource. This is the slow step.
type Preparer interface {
	Prepare(ctx context.Context, locator models.ResourceLocator) (*PreparedResource, error)
}

type ZstdPreparer struct {
	encoder *zstd.Encoder
	now     func() time.Time
}

func NewZstdPreparer(level int) (*ZstdPreparer, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &ZstdPreparer{encoder: enc, now: time.Now}, nil
}

func (p *ZstdPreparer) Prepare(ctx context.Context, locator models.ResourceLocator) (*PreparedResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(string(locator))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", locator, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// EncodeAll is safe for concurrent use on a shared encoder
	data := p.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	return &PreparedResource{
		Locator:    locator,
		RawSize:    int64(len(raw)),
		PreparedAt: p.now(),
		data:       data,
	}, nil
}

func (p *ZstdPreparer) Close() error {
	return p.encoder.Close()
}

// NewPreparedResource compresses raw bytes directly; used by tests and fakes.
func NewPreparedResource(locator models.ResourceLocator, raw []byte) *PreparedResource {
	enc, _ := zstd.NewWriter(nil)
	defer enc.Close()
	return &PreparedResource{
		Locator:    locator,
		RawSize:    int64(len(raw)),
		PreparedAt: time.Now(),
		data:       enc.EncodeAll(raw, nil),
	}
}
