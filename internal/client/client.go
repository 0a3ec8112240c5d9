// Package client wires the sync engine for one signed-in user: transport, presence,
// subscriptions, the send pipeline and the inbox.
package client

import (
	"context"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/inbox"
	"chatsync/internal/outbound"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/store"
	"chatsync/internal/subscription"
	"chatsync/internal/transport"

	"github.com/rs/zerolog"
)

type Config struct {
	Connection    connection.Config
	SnapshotLimit int
	Tolerance     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Connection:    connection.DefaultConfig(),
		SnapshotLimit: subscription.DefaultSnapshotLimit,
	}
}

type Client struct {
	Session       session.Session
	Conn          *connection.Manager
	Presence      *presence.Tracker
	Subscriptions *subscription.Service
	Outbound      *outbound.Pipeline
	Inbox         *inbox.Inbox

	provider *session.Provider
	detach   func()
}

// New builds a client. onChange, when set, fires on any presence or inbox change;
// message changes are delivered per handle through Handle.Updates.
func New(st store.Store, dialer transport.Dialer, sess session.Session, cfg Config, log zerolog.Logger, onChange func()) *Client {
	if onChange == nil {
		onChange = func() {}
	}
	log = log.With().Str("user_id", sess.UserID).Logger()
	conn := connection.New(dialer, connection.WithConfig(cfg.Connection), connection.WithLogger(log))

	subOpts := []subscription.Option{subscription.WithLogger(log)}
	if cfg.SnapshotLimit > 0 {
		subOpts = append(subOpts, subscription.WithSnapshotLimit(cfg.SnapshotLimit))
	}
	if cfg.Tolerance > 0 {
		subOpts = append(subOpts, subscription.WithTolerance(cfg.Tolerance))
	}

	c := &Client{
		Session:       sess,
		Conn:          conn,
		Presence:      presence.NewTracker(sess.UserID, presence.WithLogger(log), presence.WithOnChange(onChange)),
		Subscriptions: subscription.NewService(st, conn, sess.UserID, subOpts...),
		Outbound: outbound.New(st, outbound.Identity{UserID: sess.UserID, DisplayName: sess.DisplayName},
			outbound.WithLogger(log), outbound.WithEmitter(conn, presence.WithTyperLogger(log))),
		Inbox:    inbox.New(st, sess.UserID, inbox.WithLogger(log), inbox.WithOnChange(onChange)),
		provider: session.NewProvider(conn),
	}
	c.detach = c.Presence.Attach(conn)
	return c
}

// Start signs in and loads the inbox. A transport failure is returned but the
// store-backed parts keep working; the manager state tells the caller which.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Inbox.Start(ctx); err != nil {
		return err
	}
	return c.provider.SignIn(ctx, c.Session)
}

func (c *Client) Close(ctx context.Context) {
	c.Outbound.Close(ctx)
	c.Inbox.Close()
	c.detach()
	c.provider.SignOut()
}
