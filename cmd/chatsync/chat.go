package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"chatsync/internal/app"
	"chatsync/internal/client"
	"chatsync/internal/config"
	"chatsync/internal/connection"
	"chatsync/internal/db"
	"chatsync/internal/demo"
	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/store"
	"chatsync/internal/store/memory"
	"chatsync/internal/store/postgres"
	"chatsync/internal/subscription"
	"chatsync/internal/transport"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	demo         bool
	name         string
	token        string
	username     string
	password     string
	conversation string
}

func chatCommand(cfg *config.Client) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = cfg.Token
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := app.NewLogger(cfg.LogLevel, true, os.Stderr)
			return runChat(ctx, *cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "run offline against an in-process relay and bot")
	cmd.Flags().StringVar(&opts.name, "name", "you", "display name in demo mode")
	cmd.Flags().StringVar(&opts.token, "token", "", "relay token (defaults to CHATSYNC_TOKEN)")
	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "username to sign in with")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "password to sign in with")
	cmd.Flags().StringVarP(&opts.conversation, "conversation", "c", "", "conversation id (defaults to the most recent)")
	return cmd
}

// backend is the store, dialer and identity a chat session runs against.
type backend struct {
	store   store.Store
	dialer  transport.Dialer
	session session.Session
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func demoBackend(ctx context.Context, opts chatOptions, log zerolog.Logger) (*backend, error) {
	st := memory.New()
	sess := session.Session{UserID: "demo-user", DisplayName: opts.name}
	demo.Seed(st, sess.UserID, time.Now())

	h := hub.New(hub.WithLogger(log.With().Str("component", "hub").Logger()))
	hubCtx, stopHub := context.WithCancel(ctx)
	go h.Run(hubCtx)
	loop := hub.NewLoopback(h, nil)

	bot := demo.New(st, loop, demo.WithLogger(log.With().Str("component", "bot").Logger()))
	if err := bot.Start(ctx); err != nil {
		stopHub()
		return nil, err
	}
	return &backend{store: st, dialer: loop, session: sess, closers: []func(){stopHub, bot.Stop}}, nil
}

func remoteBackend(ctx context.Context, cfg config.Client, opts chatOptions, log zerolog.Logger) (*backend, error) {
	var (
		sess session.Session
		err  error
	)
	switch {
	case opts.token != "":
		sess, err = session.FromToken(opts.token)
	case opts.username != "":
		sess, err = session.Login(cfg.ServerURL, opts.username, opts.password)
	default:
		return nil, errors.New("sign in with --token or --user/--password, or use --demo")
	}
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required outside demo mode")
	}
	wsURL, err := relaySocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	pg := postgres.New(pool, postgres.WithLogger(log.With().Str("component", "store").Logger()))
	return &backend{
		store:   pg,
		dialer:  &transport.WSDialer{URL: wsURL, HandshakeTimeout: cfg.DialTimeout, Logger: log},
		session: sess,
		closers: []func(){pool.Close, pg.Close},
	}, nil
}

// relaySocketURL maps the relay's http base url to its websocket endpoint.
func relaySocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func runChat(ctx context.Context, cfg config.Client, opts chatOptions, in io.Reader, out io.Writer, log zerolog.Logger) error {
	var (
		be  *backend
		err error
	)
	if opts.demo {
		be, err = demoBackend(ctx, opts, log)
		if opts.conversation == "" {
			opts.conversation = demo.ConversationID
		}
	} else {
		be, err = remoteBackend(ctx, cfg, opts, log)
	}
	if err != nil {
		return err
	}
	defer be.close()

	view := newView(out, be.session.UserID)
	c := client.New(be.store, be.dialer, be.session, client.Config{
		Connection: connection.Config{
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			MaxAttempts: cfg.MaxAttempts,
			DialTimeout: cfg.DialTimeout,
		},
		SnapshotLimit: cfg.SnapshotLimit,
		Tolerance:     cfg.Tolerance,
	}, log, nil)
	defer c.Close(context.Background())

	c.Conn.OnStateChange(func(s connection.State) { view.status("connection: %s", s) })
	if err := c.Start(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return err
		}
		view.status("relay unavailable (%v), messages still sync through the store", err)
	}

	convID := opts.conversation
	if convID == "" {
		convs := c.Inbox.Conversations()
		if len(convs) == 0 {
			return errors.New("no conversations, pass --conversation")
		}
		convID = convs[0].ID
	}

	h, err := c.Subscriptions.Open(ctx, convID)
	if h == nil {
		return err
	}
	defer h.Close()
	if err != nil {
		view.status("history unavailable: %v", err)
	}
	c.Inbox.Focus(convID)
	defer c.Inbox.Blur()

	r := &repl{client: c, handle: h, view: view}
	view.status("joined %s, /help for commands", convID)
	r.render(ctx)
	return r.loop(ctx, in)
}

type repl struct {
	client *client.Client
	handle *subscription.Handle
	view   *view
	typing string
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.handle.Done():
			return r.handle.Err()
		case <-r.handle.Updates():
			r.render(ctx)
		case <-tick.C:
			r.showTyping()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.exec(ctx, line)
			if err != nil {
				r.view.status("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) render(ctx context.Context) {
	msgs := r.handle.Messages()
	r.view.render(msgs)
	for _, m := range msgs {
		if m.SenderID != r.client.Session.UserID && !m.HasReadBy(r.client.Session.UserID) {
			if _, err := r.client.Outbound.MarkRead(ctx, r.handle); err != nil {
				r.view.status("mark read: %v", err)
			}
			r.client.Inbox.MarkRead(r.handle.ConversationID())
			return
		}
	}
}

func (r *repl) showTyping() {
	names := r.client.Presence.Typing(r.handle.ConversationID())
	line := ""
	if len(names) > 0 {
		line = strings.Join(names, ", ") + " typing..."
	}
	if line != r.typing {
		r.typing = line
		if line != "" {
			r.view.status("%s", line)
		}
	}
}

// exec runs one input line and reports whether the session should end.
func (r *repl) exec(ctx context.Context, line string) (bool, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}
	p := r.client.Outbound
	switch cmd.name {
	case "":
		return false, nil
	case "say":
		p.Keystroke(ctx, r.handle)
		_, err := p.Send(ctx, r.handle, cmd.text, models.KindText, nil)
		return false, err
	case "quit":
		return true, nil
	case "help":
		r.view.status("/list  /edit N text  /delete N  /retry N  /read  /who  /status online|away|offline  /quit")
		return false, nil
	case "list":
		r.view.list(r.handle.Messages())
		return false, nil
	case "who":
		online := r.client.Presence.Online()
		for i, u := range online {
			if r.client.Presence.Status(u) == presence.StatusAway {
				online[i] = u + " (away)"
			}
		}
		if len(online) == 0 {
			r.view.status("nobody else online")
		} else {
			r.view.status("online: %s", strings.Join(online, ", "))
		}
		return false, nil
	case "status":
		if err := r.client.Presence.SetMyStatus(ctx, r.client.Conn, cmd.text); err != nil {
			return false, err
		}
		r.view.status("you are %s", cmd.text)
		return false, nil
	case "read":
		ids, err := p.MarkRead(ctx, r.handle)
		if err == nil {
			r.client.Inbox.MarkRead(r.handle.ConversationID())
			r.view.status("marked %d read", len(ids))
		}
		return false, err
	}

	m, err := r.pick(cmd.index)
	if err != nil {
		return false, err
	}
	switch cmd.name {
	case "edit":
		return false, p.Edit(ctx, r.handle, m.ID, cmd.text)
	case "delete":
		return false, p.Delete(ctx, r.handle, m.ID)
	case "retry":
		_, err := p.Retry(ctx, r.handle, m.ID)
		return false, err
	}
	return false, fmt.Errorf("unknown command /%s", cmd.name)
}

func (r *repl) pick(n int) (models.Message, error) {
	msgs := r.handle.Messages()
	if n < 1 || n > len(msgs) {
		return models.Message{}, fmt.Errorf("no message %d, see /list", n)
	}
	return msgs[n-1], nil
}

type command struct {
	name  string
	index int
	text  string
}

// parseCommand splits a line into a command. Plain text becomes "say".
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}
	fields := strings.SplitN(line[1:], " ", 3)
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "q", "exit":
		cmd.name = "quit"
	case "edit", "delete", "retry":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("usage: /%s N", cmd.name)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return command{}, fmt.Errorf("bad message number %q", fields[1])
		}
		cmd.index = n
		if cmd.name == "edit" {
			if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
				return command{}, errors.New("usage: /edit N new text")
			}
			cmd.text = strings.TrimSpace(fields[2])
		}
	case "status":
		if len(fields) < 2 || !models.ValidPresence(strings.ToLower(fields[1])) {
			return command{}, errors.New("usage: /status online|away|offline")
		}
		cmd.text = strings.ToLower(fields[1])
	case "list", "read", "quit", "help", "who":
	default:
		return command{}, fmt.Errorf("unknown command /%s", cmd.name)
	}
	return cmd, nil
}

// view prints messages once and reports later edits, status changes and removals.
type view struct {
	mu     sync.Mutex
	out    io.Writer
	selfID string
	shown  map[string]string
}

func newView(out io.Writer, selfID string) *view {
	return &view{out: out, selfID: selfID, shown: make(map[string]string)}
}

// messageKey follows a local send across its temp and confirmed ids.
func messageKey(m models.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

func (v *view) render(msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		key := messageKey(m)
		present[key] = true
		line := v.format(m)
		prev, ok := v.shown[key]
		switch {
		case !ok:
			fmt.Fprintln(v.out, line)
		case prev != line:
			fmt.Fprintln(v.out, "~", line)
		}
		v.shown[key] = line
	}
	for key, line := range v.shown {
		if !present[key] {
			fmt.Fprintln(v.out, "x", line)
			delete(v.shown, key)
		}
	}
}

func (v *view) list(msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range msgs {
		fmt.Fprintf(v.out, "%3d %s\n", i+1, v.format(m))
	}
}

func (v *view) status(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "* "+format+"\n", args...)
}

func (v *view) format(m models.Message) string {
	var b strings.Builder
	body := m.Content
	if m.Kind == models.KindFile {
		body = models.Preview(m)
	}
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderName, body)
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	switch m.Status {
	case models.StatusPending:
		b.WriteString(" ...")
	case models.StatusFailed:
		b.WriteString(" (failed, /retry)")
	}
	if m.SenderID == v.selfID {
		for _, id := range m.ReadBy {
			if id != v.selfID {
				b.WriteString(" (read)")
				break
			}
		}
	}
	return b.String()
}
