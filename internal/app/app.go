package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/demo"
	"chatsync/internal/handlers"
	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/store"
	"chatsync/internal/store/memory"
	"chatsync/internal/store/postgres"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server is a wired relay, ready to serve.
type Server struct {
	App *fiber.App
	Hub *hub.Hub
	API *handlers.API

	log     zerolog.Logger
	closers []func()
	bot     *demo.Bot
	st      store.Store
}

// Build wires storage, services and routes from cfg.
func Build(ctx context.Context, cfg config.Server, log zerolog.Logger) (*Server, error) {
	s := &Server{log: log}

	var users services.UserRepository
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			s.Close()
			return nil, err
		}
		pg := postgres.New(pool, postgres.WithLogger(log.With().Str("component", "store").Logger()))
		s.closers = append(s.closers, pg.Close)
		s.st = pg
		users = services.NewPgUsers(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using the in-memory store")
		s.st = memory.New()
		users = services.NewMemoryUsers()
	}

	hubOpts := []hub.Option{
		hub.WithLogger(log.With().Str("component", "hub").Logger()),
		hub.WithHeartbeat(cfg.Heartbeat),
		hub.WithTTL(cfg.TypingTTL, cfg.OnlineTTL),
		hub.WithRateLimit(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
	if cfg.RedisURL != "" {
		leases, err := hub.NewRedisLeases(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = leases.Close() })
		hubOpts = append(hubOpts, hub.WithLeases(leases))
	}

	tokens := services.NewTokens(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	userService := services.NewUserService(users, tokens)
	chatService := services.NewChatService(s.st)
	hubOpts = append(hubOpts, hub.WithMembership(chatService.IsParticipant))
	s.Hub = hub.New(hubOpts...)

	s.API = &handlers.API{Users: userService, Chats: chatService, Hub: s.Hub, Log: log}

	// Fiber App
	s.App = fiber.New(fiber.Config{DisableStartupMessage: true})

	// Middleware
	s.App.Use(logger.New())
	s.App.Use(recover.New())
	s.App.Use(cors.New())
	s.API.Mount(s.App)

	if cfg.DemoBot {
		if err := s.startBot(ctx, userService); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// startBot registers the bot account and connects it through the in-process dialer.
func (s *Server) startBot(ctx context.Context, users *services.UserService) error {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	account, err := users.Register(ctx, models.RegisterRequest{Username: "assistant", Password: hex.EncodeToString(secret)})
	if errors.Is(err, services.ErrUserExists) {
		found, ferr := users.SearchUsers(ctx, "assistant", 1)
		if ferr != nil {
			return fmt.Errorf("find bot account: %w", ferr)
		}
		if len(found) == 0 {
			return fmt.Errorf("find bot account: %w", services.ErrUserNotFound)
		}
		account = &found[0]
	} else if err != nil {
		return fmt.Errorf("register bot account: %w", err)
	}

	s.bot = demo.New(s.st, hub.NewLoopback(s.Hub, nil),
		demo.WithIdentity(account.ID, demo.BotName),
		demo.WithLogger(s.log.With().Str("component", "bot").Logger()))
	if err := s.bot.Start(ctx); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	return nil
}

// Serve listens on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.Hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() { errc <- s.App.Listener(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.log.Info().Msg("gracefully shutting down")
	if err := s.App.Shutdown(); err != nil {
		return err
	}
	s.log.Info().Msg("server shutdown complete")
	return nil
}

func (s *Server) Close() {
	if s.bot != nil {
		s.bot.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Run builds the relay and serves it on cfg.Port until ctx ends.
func Run(ctx context.Context, cfg config.Server, log zerolog.Logger) error {
	srv, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return srv.Serve(ctx, ln)
}
