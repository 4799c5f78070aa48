package handlers

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
)

// Mount registers the chat websocket at path. Plain HTTP requests get 426.
func (g *Gateway) Mount(router fiber.Router, path string) {
	router.Use(path, func(c *fiber.Ctx) error {
		// Check if the request is a WebSocket upgrade request
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get(path, websocket.New(g.HandleWebSocket, websocket.Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}))
}

// Healthz reports liveness.
func Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// PublishFunc fans a confirmed message out on its conversation's channel.
type PublishFunc func(ctx context.Context, msg models.Message) error

// Relay accepts messages the backend has confirmed and publishes them to
// every view subscribed to their conversation.
func Relay(publish PublishFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var frame models.PushFrame
		if err := c.BodyParser(&frame); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid push frame")
		}
		if frame.Message == nil {
			return fiber.NewError(fiber.StatusBadRequest, "push frame carries no message")
		}
		if err := frame.Message.Ref.Validate(); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := publish(c.UserContext(), *frame.Message); err != nil {
			logger.Error("relay_publish_failed", "ref", frame.Message.Ref.String(), "error", err)
			return fiber.NewError(fiber.StatusBadGateway, "publish failed")
		}
		return c.SendStatus(fiber.StatusAccepted)
	}
}
