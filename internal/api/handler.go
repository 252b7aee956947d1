package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/announce"
	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/bobby-s-dev/weather-radio/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

type Handler struct {
	radio  *services.Radio
	index  *services.ResourceIndex
	oracle *services.Oracle
	feed   *announce.Feed
	mixer  *audio.Mixer
	logger *zap.Logger
}

func NewHandler(radio *services.Radio, index *services.ResourceIndex, oracle *services.Oracle,
	feed *announce.Feed, mixer *audio.Mixer, logger *zap.Logger) *Handler {
	return &Handler{
		radio:  radio,
		index:  index,
		oracle: oracle,
		feed:   feed,
		mixer:  mixer,
		logger: logger,
	}
}

// PlayRoom handles POST /api/v1/rooms/:room/play
func (h *Handler) PlayRoom(c *fiber.Ctx) error {
	room := roomParam(c)
	h.logger.Info("Play requested", zap.String("room", room))

	if err := h.radio.Play(c.Context(), room); err != nil {
		return err
	}
	return h.roomResponse(c, room)
}

// LeaveRoom handles POST /api/v1/rooms/:room/leave
func (h *Handler) LeaveRoom(c *fiber.Ctx) error {
	room := roomParam(c)
	if err := h.radio.Leave(c.Context(), room); err != nil {
		return err
	}
	return h.roomResponse(c, room)
}

// MuteRoom handles POST /api/v1/rooms/:room/mute
func (h *Handler) MuteRoom(c *fiber.Ctx) error {
	room := roomParam(c)
	if err := h.radio.Mute(c.Context(), room); err != nil {
		return err
	}
	return h.roomResponse(c, room)
}

// UnmuteRoom handles POST /api/v1/rooms/:room/unmute
func (h *Handler) UnmuteRoom(c *fiber.Ctx) error {
	room := roomParam(c)
	if err := h.radio.Unmute(c.Context(), room); err != nil {
		return err
	}
	return h.roomResponse(c, room)
}

// GetRoom handles GET /api/v1/rooms/:room
func (h *Handler) GetRoom(c *fiber.Ctx) error {
	return h.roomResponse(c, roomParam(c))
}

// GetRooms handles GET /api/v1/rooms
func (h *Handler) GetRooms(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"rooms": h.radio.Rooms(),
	})
}

// GetEvents handles GET /api/v1/rooms/:room/events
func (h *Handler) GetEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}

	room := roomParam(c)
	return c.JSON(fiber.Map{
		"room":   room,
		"events": h.feed.Recent(room, limit),
	})
}

// StreamRoom handles GET /api/v1/rooms/:room/stream
func (h *Handler) StreamRoom(c *fiber.Ctx) error {
	room := roomParam(c)
	ch, ok := h.mixer.Channel(room)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrRoomNotActive, room)
	}

	c.Set(fiber.HeaderContentType, "audio/mpeg")
	c.Set(fiber.HeaderCacheControl, "no-cache")

	log := h.logger.With(zap.String("room", room), zap.String("remote", utils.CopyString(c.IP())))
	log.Info("Listener connected")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		err := ch.Stream(context.Background(), flushWriter{w})
		log.Info("Listener disconnected", zap.Error(err))
	})
	return nil
}

// GetSongs handles GET /api/v1/songs
func (h *Handler) GetSongs(c *fiber.Ctx) error {
	missing := make(map[string][]models.CompositeKey)
	for _, w := range []models.WeatherClass{models.Clear, models.Rainy, models.Snowy, models.Unknown} {
		if m := h.index.Missing(w); len(m) > 0 {
			missing[w.String()] = m
		}
	}

	return c.JSON(fiber.Map{
		"count":   h.index.Len(),
		"songs":   h.index.Keys(),
		"missing": missing,
	})
}

// GetHealth handles GET /api/v1/health
func (h *Handler) GetHealth(c *fiber.Ctx) error {
	entry := h.oracle.Entry()

	return c.JSON(fiber.Map{
		"status":     "healthy",
		"message":    "Pong!",
		"timestamp":  time.Now(),
		"weather":    entry.Class,
		"last_fetch": entry.LastFetch,
		"uptime":     time.Since(startTime).String(),
	})
}

// GetMetrics handles GET /api/v1/metrics
func (h *Handler) GetMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"metrics": fiber.Map{
			"radio":   h.radio.GetStats(),
			"weather": h.oracle.GetStats(),
			"songs":   h.index.Len(),
		},
		"timestamp": time.Now(),
	})
}

func (h *Handler) roomResponse(c *fiber.Ctx, room string) error {
	status, err := h.radio.Status(room)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"room":    status,
	})
}

// ErrorHandler maps service errors onto HTTP status codes.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, models.ErrResourceUnavailable):
		code = fiber.StatusConflict
	case errors.Is(err, models.ErrPlaybackJoinFailed):
		code = fiber.StatusBadGateway
	case errors.Is(err, models.ErrRoomNotActive):
		code = fiber.StatusNotFound
	}

	zap.L().Error("HTTP error",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", code),
		zap.Error(err))

	return c.Status(code).JSON(fiber.Map{
		"error":   err.Error(),
		"success": false,
	})
}

// roomParam copies the room name out of the request buffer, which fiber
// reuses once the handler returns.
func roomParam(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("room"))
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}

var startTime = time.Now()
