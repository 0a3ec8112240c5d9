package handlers

import (
	"errors"
	"strconv"

	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// API holds the relay's HTTP dependencies.
type API struct {
	Users *services.UserService
	Chats *services.ChatService
	Hub   *hub.Hub
	Log   zerolog.Logger
}

// Mount registers every route on app.
func (a *API) Mount(app *fiber.App) {
	auth := AuthMiddleware(a.Users.Tokens())

	api := app.Group("/api")

	// Public Routes
	api.Post("/register", a.register)
	api.Post("/login", a.login)
	api.Post("/refresh", a.refresh)

	// Protected Routes
	protected := api.Group("", auth)
	protected.Post("/logout", a.logout)
	protected.Get("/me", a.getProfile)
	protected.Put("/me/password", a.changePassword)
	protected.Get("/users", a.listUsers)
	protected.Get("/conversations", a.listConversations)
	protected.Post("/conversations", a.createConversation)
	protected.Post("/rooms/direct", a.directRoom)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware rejects plain requests,
	// AuthMiddleware checks the token before the upgrade.
	app.Use("/ws", WSUpgradeMiddleware)
	app.Use("/ws", auth)
	app.Get("/ws", WebSocketHandler(a.Hub, a.Log))
}

func (a *API) register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}
	user, err := a.Users.Register(c.Context(), req)
	switch {
	case errors.Is(err, services.ErrUserExists), errors.Is(err, services.ErrInvalidInput):
		return utils.Fail(c, fiber.StatusBadRequest, err.Error())
	case err != nil:
		a.Log.Error().Err(err).Msg("register failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "registration failed")
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (a *API) login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}
	res, err := a.Users.Login(c.Context(), req)
	if errors.Is(err, services.ErrInvalidCredentials) {
		return utils.Fail(c, fiber.StatusUnauthorized, err.Error())
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("login failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "login failed")
	}
	return c.JSON(res)
}

func (a *API) refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}
	if body.RefreshToken == "" {
		return utils.Fail(c, fiber.StatusBadRequest, "refresh_token required")
	}
	res, err := a.Users.Refresh(body.RefreshToken)
	if err != nil {
		return utils.Fail(c, fiber.StatusUnauthorized, "invalid refresh token")
	}
	return c.JSON(res)
}

// logout revokes every live connection of the caller.
func (a *API) logout(c *fiber.Ctx) error {
	userID, _ := currentUser(c)
	n := a.Hub.Kick(userID)
	a.Log.Info().Str("user_id", userID).Int("connections", n).Msg("session revoked")
	return c.JSON(fiber.Map{"revoked": n})
}

// listUsers returns everyone except the caller with online status; ?q= filters.
func (a *API) listUsers(c *fiber.Ctx) error {
	userID, _ := currentUser(c)

	var (
		users []models.User
		err   error
	)
	if q := c.Query("q"); q != "" {
		limit, _ := strconv.Atoi(c.Query("limit"))
		users, err = a.Users.SearchUsers(c.Context(), q, limit)
	} else {
		users, err = a.Users.ListUsers(c.Context())
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("list users failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to fetch users")
	}

	online := make(map[string]struct{})
	for _, id := range a.Hub.OnlineUsers(c.Context()) {
		online[id] = struct{}{}
	}
	resp := make([]models.UserStatus, 0, len(users))
	for _, u := range users {
		if u.ID == userID {
			continue
		}
		status := models.PresenceOffline
		if _, ok := online[u.ID]; ok {
			status = models.PresenceOnline
			if a.Hub.UserStatus(u.ID) == models.PresenceAway {
				status = models.PresenceAway
			}
		}
		resp = append(resp, models.UserStatus{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt, Status: status})
	}
	return c.JSON(resp)
}

func (a *API) listConversations(c *fiber.Ctx) error {
	userID, _ := currentUser(c)
	convs, err := a.Chats.Conversations(c.Context(), userID)
	if err != nil {
		a.Log.Error().Err(err).Msg("list conversations failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to fetch conversations")
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return c.JSON(convs)
}

func (a *API) createConversation(c *fiber.Ctx) error {
	userID, _ := currentUser(c)
	var req struct {
		DisplayName    string   `json:"display_name"`
		ParticipantIDs []string `json:"participant_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}
	conv, err := a.Chats.CreateGroup(c.Context(), userID, req.DisplayName, req.ParticipantIDs)
	if err != nil {
		a.Log.Error().Err(err).Msg("create conversation failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to create conversation")
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

func (a *API) directRoom(c *fiber.Ctx) error {
	userID, _ := currentUser(c)

	var req models.CreateDirectRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request")
	}
	if req.RecipientID == "" {
		return utils.Fail(c, fiber.StatusBadRequest, "recipient_id required")
	}

	res, err := a.Chats.GetOrCreateDirectRoom(c.Context(), userID, req.RecipientID)
	if errors.Is(err, services.ErrSelfConversation) {
		return utils.Fail(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("direct room failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "failed to open direct conversation")
	}
	return c.JSON(res)
}
