package handlers

import (
	"errors"

	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// getProfile returns the caller's account with live relay status.
func (a *API) getProfile(c *fiber.Ctx) error {
	userID, _ := currentUser(c)
	user, err := a.Users.Profile(c.Context(), userID)
	if errors.Is(err, services.ErrUserNotFound) {
		return utils.Fail(c, fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("profile lookup failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to fetch profile")
	}

	convs, err := a.Chats.Conversations(c.Context(), userID)
	if err != nil {
		a.Log.Error().Err(err).Msg("profile conversations failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to fetch profile")
	}

	return c.JSON(models.Profile{
		User:          *user,
		Status:        a.Hub.UserStatus(userID),
		Connections:   a.Hub.CountUserConnections(userID),
		Conversations: len(convs),
	})
}

// changePassword updates the caller's password and revokes their live connections,
// so other devices fall back to signing in again.
func (a *API) changePassword(c *fiber.Ctx) error {
	userID, _ := currentUser(c)

	var req models.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}

	err := a.Users.ChangePassword(c.Context(), userID, req)
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return utils.Fail(c, fiber.StatusBadRequest, "new_password required")
	case errors.Is(err, services.ErrInvalidCredentials):
		return utils.Fail(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrUserNotFound):
		return utils.Fail(c, fiber.StatusNotFound, err.Error())
	case err != nil:
		a.Log.Error().Err(err).Msg("password change failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to change password")
	}

	n := a.Hub.Kick(userID)
	a.Log.Info().Str("user_id", userID).Int("connections", n).Msg("password changed")
	return c.SendStatus(fiber.StatusNoContent)
}
