package utils

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// DecodeEnvelope parses one websocket frame. Frames without an event name are rejected.
func DecodeEnvelope(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return models.Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// SendJSON writes a JSON frame with a deadline. Fiber's websocket conn is not safe
// for concurrent writes; callers serialize through a single writer.
func SendJSON(c *websocket.Conn, payload interface{}, wait time.Duration) error {
	if err := c.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return c.WriteJSON(payload)
}

// Fail writes the {"error": msg} body used by every API handler.
func Fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
