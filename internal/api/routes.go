package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

func SetupRoutes(app *fiber.App, handler *Handler, log *zap.Logger) {
	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD",
	}))

	app.Use(logger.New(logger.Config{
		Format:     "${time} ${pid} ${locals:requestid} ${status} - ${method} ${path}\n",
		TimeFormat: time.RFC3339,
	}))

	api := app.Group("/api/v1")

	api.Get("/health", handler.GetHealth)
	api.Get("/metrics", handler.GetMetrics)
	api.Get("/songs", handler.GetSongs)

	// Room control
	api.Get("/rooms", handler.GetRooms)
	api.Get("/rooms/:room", handler.GetRoom)
	rooms := api.Group("/rooms/:room")
	rooms.Post("/play", handler.PlayRoom)
	rooms.Post("/leave", handler.LeaveRoom)
	rooms.Post("/mute", handler.MuteRoom)
	rooms.Post("/unmute", handler.UnmuteRoom)
	rooms.Get("/events", handler.GetEvents)
	rooms.Get("/stream", handler.StreamRoom)

	log.Debug("Routes registered", zap.Int("handlers", int(app.HandlersCount())))

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Endpoint not found",
			"path":  c.Path(),
		})
	})
}
