// Package announce delivers short human-readable notices to a room.
package announce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Message struct {
	Room string    `json:"room"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Feed logs every notice and keeps the most recent ones per room so the
// control API can show them.
type Feed struct {
	mu      sync.RWMutex
	history map[string][]Message
	limit   int
	logger  *zap.Logger
	now     func() time.Time
}

func NewFeed(limit int, logger *zap.Logger) *Feed {
	if limit <= 0 {
		limit = 50
	}
	return &Feed{
		history: make(map[string][]Message),
		limit:   limit,
		logger:  logger,
		now:     time.Now,
	}
}

func (f *Feed) Notify(ctx context.Context, room, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Message{Room: room, Text: text, At: f.now()}

	f.mu.Lock()
	msgs := append(f.history[room], msg)
	if len(msgs) > f.limit {
		msgs = msgs[len(msgs)-f.limit:]
	}
	f.history[room] = msgs
	f.mu.Unlock()

	f.logger.Info("Announcement",
		zap.String("room", room),
		zap.String("text", text))
	return nil
}

// Recent returns up to n messages for room, oldest first.
func (f *Feed) Recent(room string, n int) []Message {
	f.mu.RLock()
	defer f.mu.RUnlock()

	msgs := f.history[room]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
