package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const chunkSize = 4096

var ErrChannelClosed = errors.New("channel closed")

// Sink accepts a prepared resource and starts playing it, replacing whatever
// was playing before without reconnecting.
type Sink interface {
	Play(res *PreparedResource) (PlaybackHandle, error)
}

type PlaybackHandle interface {
	SetVolume(v float64) error
	EnableLoop() error
	DisableLoop() error
}

// Connector establishes a sink for a room.
type Connector interface {
	Join(ctx context.Context, room string) (Sink, error)
	Leave(room string) error
}

// Mixer is an in-process Connector. Each room gets a Channel that any number
// of listeners can stream from.
type Mixer struct {
	mu       sync.Mutex
	channels map[string]*Channel
	byteRate int
	logger   *zap.Logger
}

// NewMixer paces every listener at byteRate bytes per second.
func NewMixer(byteRate int, logger *zap.Logger) *Mixer {
	if byteRate <= 0 {
		byteRate = 16000
	}
	return &Mixer{
		channels: make(map[string]*Channel),
		byteRate: byteRate,
		logger:   logger,
	}
}

func (m *Mixer) Join(ctx context.Context, room string) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if room == "" {
		return nil, fmt.Errorf("room name is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[room]; ok {
		return ch, nil
	}
	ch := &Channel{
		room:     room,
		byteRate: m.byteRate,
		changed:  make(chan struct{}),
	}
	m.channels[room] = ch
	m.logger.Info("Channel opened", zap.String("room", room))
	return ch, nil
}

func (m *Mixer) Leave(room string) error {
	m.mu.Lock()
	ch, ok := m.channels[room]
	delete(m.channels, room)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	ch.close()
	m.logger.Info("Channel closed", zap.String("room", room))
	return nil
}

func (m *Mixer) Channel(room string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[room]
	return ch, ok
}

type Channel struct {
	room     string
	byteRate int

	mu      sync.Mutex
	current *Track
	changed chan struct{}
	closed  bool
}

func (c *Channel) Play(res *PreparedResource) (PlaybackHandle, error) {
	if res == nil {
		return nil, fmt.Errorf("nothing to play")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	track := &Track{res: res, volume: 1}
	c.current = track
	c.notifyLocked()
	return track, nil
}

func (c *Channel) Current() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.current = nil
	close(c.changed)
}

// notifyLocked wakes every listener waiting on the old track.
func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) snapshot() (*Track, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.changed, c.closed
}

// Stream writes the room's audio to w until ctx ends or the channel closes.
// A track swap takes effect at the next chunk.
func (c *Channel) Stream(ctx context.Context, w io.Writer) error {
	limiter := rate.NewLimiter(rate.Limit(c.byteRate), chunkSize)

	for {
		track, changed, closed := c.snapshot()
		if closed {
			return nil
		}
		if track == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		finished, err := c.streamTrack(ctx, w, track, changed, limiter)
		if err != nil {
			return err
		}
		if finished {
			// played once without looping; wait for the next track
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
		}
	}
}

func (c *Channel) streamTrack(ctx context.Context, w io.Writer, track *Track, changed <-chan struct{}, limiter *rate.Limiter) (bool, error) {
	buf := make([]byte, chunkSize)

	for {
		stream, err := track.res.NewStream()
		if err != nil {
			return false, err
		}

		total := 0
		for {
			select {
			case <-changed:
				stream.Close()
				return false, nil
			default:
			}

			n, readErr := stream.Read(buf)
			total += n
			if n > 0 {
				if err := limiter.WaitN(ctx, n); err != nil {
					stream.Close()
					return false, err
				}
				if !track.Muted() {
					if _, err := w.Write(buf[:n]); err != nil {
						stream.Close()
						return false, err
					}
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				stream.Close()
				return false, readErr
			}
		}
		stream.Close()

		if total == 0 || !track.Looping() {
			return true, nil
		}
	}
}

type Track struct {
	res *PreparedResource

	mu     sync.RWMutex
	volume float64
	loop   bool
}

func (t *Track) Resource() *PreparedResource {
	return t.res
}

func (t *Track) SetVolume(v float64) error {
	if v < 0 || v > 2 {
		return fmt.Errorf("volume %.2f out of range [0, 2]", v)
	}
	t.mu.Lock()
	t.volume = v
	t.mu.Unlock()
	return nil
}

func (t *Track) Volume() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.volume
}

func (t *Track) Muted() bool {
	return t.Volume() == 0
}

func (t *Track) EnableLoop() error {
	t.mu.Lock()
	t.loop = true
	t.mu.Unlock()
	return nil
}

func (t *Track) DisableLoop() error {
	t.mu.Lock()
	t.loop = false
	t.mu.Unlock()
	return nil
}

func (t *Track) Looping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loop
}
