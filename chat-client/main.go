package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/chat"
	"github.com/phiwazulumoh/cop/pkg/forum"
	"github.com/phiwazulumoh/cop/pkg/otelhelper"
	"github.com/phiwazulumoh/cop/pkg/session"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "session.json"
	}
	return filepath.Join(home, ".cop", "session.json")
}

// client bundles everything the command loop operates on.
type client struct {
	api     *api.Client
	store   *session.Store
	manager *chat.Manager
	feed    *forum.Feed
	nc      *nats.Conn

	presence   *chat.Presence
	activeRoom string
	activePeer string
}

// startPresence begins heartbeating once an identity is confirmed. Failure
// is not fatal; chat works without presence.
func (c *client) startPresence(ctx context.Context) {
	if c.presence != nil || c.manager.Identity() == nil {
		return
	}
	presence, err := chat.NewPresence(chat.PresenceConfig{
		Feed:     &chat.NatsFeed{Conn: c.nc},
		Pub:      c.nc,
		Identity: c.manager.Identity(),
	})
	if err != nil {
		slog.Warn("Presence unavailable", "error", err)
		return
	}
	if err := presence.Start(ctx); err != nil {
		slog.Warn("Presence heartbeat failed to start", "error", err)
		return
	}
	c.presence = presence
}

func main() {
	// .env is optional; real env vars win.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded configuration from .env")
	}

	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	apiBaseURL := envOrDefault("API_BASE_URL", "http://localhost:3000/api")
	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	jwksURL := envOrDefault("JWKS_URL", "http://localhost:8080/realms/cop/protocol/openid-connect/certs")
	issuerURL := envOrDefault("JWT_ISSUER", "http://localhost:8080/realms/cop")
	sessionPath := envOrDefault("SESSION_FILE", defaultSessionPath())
	historyLimit, _ := strconv.Atoi(envOrDefault("HISTORY_LIMIT", "50"))

	slog.Info("Starting chat client", "api_url", apiBaseURL, "nats_url", natsURL)

	store := session.NewStore(sessionPath, nil)
	if _, err := store.Load(); err != nil {
		slog.Error("Failed to load session", "error", err)
		os.Exit(1)
	}

	apiClient, err := api.NewClient(api.ClientConfig{
		BaseURL: apiBaseURL,
		Tokens:  store,
	})
	if err != nil {
		slog.Error("Failed to create API client", "error", err)
		os.Exit(1)
	}

	verifier, err := session.NewVerifier(jwksURL, issuerURL, nil)
	if err != nil {
		slog.Error("Failed to initialize identity verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.Token(store.Token()),
			nats.Name("cop-chat-client-"+uuid.NewString()),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	reconciler := chat.NewReconciler()
	manager, err := chat.NewManager(chat.ManagerConfig{
		Store:      store,
		Confirmer:  verifier,
		Fetcher:    chat.NewHistoryFetcher(apiClient, reconciler, historyLimit),
		Subscriber: chat.NewSubscriber(chat.SubscriberConfig{
			Feed:   &chat.NatsFeed{Conn: nc},
			Marker: apiClient,
		}),
		Reconciler: reconciler,
		Unread:     apiClient,
		OnMessage: func(msg api.ChatMessage) {
			fmt.Printf("\n[%s] %s: %s\n> ", msg.SentAt.Format("15:04"), msg.SenderID, msg.Content)
		},
		OnFatal: func(err error) {
			fmt.Printf("\nSession is no longer valid: %v\nUse 'login' to sign in again.\n> ", err)
		},
	})
	if err != nil {
		slog.Error("Failed to create room session manager", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	if err := manager.Start(ctx); err != nil && !api.IsAuthError(err) {
		slog.Error("Failed to start room session manager", "error", err)
		os.Exit(1)
	}

	c := &client{
		api:     apiClient,
		store:   store,
		manager: manager,
		feed:    forum.NewFeed(apiClient, nil),
		nc:      nc,
	}
	c.startPresence(ctx)
	defer func() {
		if c.presence != nil {
			c.presence.Close()
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("Commands: login, users, chat <uid>, send <text>, history, status <s>, posts, post <text>, like <postId>, logout, quit")
	fmt.Print("> ")
	for {
		select {
		case <-sigCtx.Done():
			slog.Info("Shutting down chat client")
			nc.Drain()
			return
		case line, ok := <-lines:
			if !ok {
				nc.Drain()
				return
			}
			if quit := c.dispatch(sigCtx, line); quit {
				nc.Drain()
				return
			}
			fmt.Print("> ")
		}
	}
}

func (c *client) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "login":
		err = c.login(ctx, args)
	case "users":
		err = c.listUsers(ctx)
	case "chat":
		err = c.openChat(ctx, args)
	case "send":
		err = c.send(ctx, strings.TrimSpace(strings.TrimPrefix(line, "send")))
	case "history":
		err = c.printHistory()
	case "status":
		err = c.setStatus(ctx, args)
	case "posts":
		err = c.loadPosts(ctx)
	case "post":
		err = c.publishPost(ctx, strings.TrimSpace(strings.TrimPrefix(line, "post")))
	case "like":
		err = c.like(ctx, args)
	case "logout":
		err = c.logout()
	default:
		fmt.Printf("unknown command %q\n", cmd)
		return false
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func (c *client) login(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: login <email> <password>")
	}
	creds, err := c.api.SignIn(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if err := c.store.Save(&session.Session{Token: creds.Token, User: creds.User}); err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s)\n", creds.User.DisplayName, creds.User.UID)
	if err := c.manager.Start(ctx); err != nil {
		return err
	}
	c.startPresence(ctx)
	return nil
}

func (c *client) setStatus(ctx context.Context, args []string) error {
	if c.presence == nil {
		return fmt.Errorf("presence not running; sign in first")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: status <online|away|busy|offline>")
	}
	return c.presence.SetStatus(args[0])
}

func (c *client) listUsers(ctx context.Context) error {
	users, err := c.api.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Printf("  %s  %s  %s\n", u.UID, u.DisplayName, u.Email)
	}
	return nil
}

func (c *client) openChat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chat <uid>")
	}
	room, err := c.api.CreateChatRoom(ctx, args[0])
	if err != nil {
		return err
	}
	if err := c.manager.SelectRoom(ctx, room.ID); err != nil {
		return err
	}
	c.activeRoom = room.ID
	c.activePeer = args[0]
	return c.printHistory()
}

func (c *client) send(ctx context.Context, text string) error {
	if c.activeRoom == "" {
		return fmt.Errorf("no active chat; use 'chat <uid>' first")
	}
	if text == "" {
		return fmt.Errorf("usage: send <text>")
	}
	// The sent message reappears via the live feed; nothing is inserted
	// locally here.
	_, err := c.api.SendMessage(ctx, c.activeRoom, c.activePeer, text)
	return err
}

func (c *client) printHistory() error {
	if c.activeRoom == "" {
		return fmt.Errorf("no active chat")
	}
	for _, msg := range c.manager.Messages(c.activeRoom) {
		fmt.Printf("  [%s] %s: %s\n", msg.SentAt.Format("15:04"), msg.SenderID, msg.Content)
	}
	return nil
}

func (c *client) loadPosts(ctx context.Context) error {
	if _, err := c.feed.LoadMore(ctx, 20); err != nil {
		return err
	}
	for _, post := range c.feed.Posts() {
		liked := " "
		if post.IsLiked {
			liked = "*"
		}
		fmt.Printf("  %s [%s%d] %s: %s\n", post.ID, liked, post.LikeCount, post.UserID, post.Message)
	}
	return nil
}

func (c *client) publishPost(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("usage: post <text>")
	}
	post, err := c.feed.Publish(ctx, text)
	if err != nil {
		return err
	}
	fmt.Printf("Posted %s\n", post.ID)
	return nil
}

func (c *client) like(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: like <postId>")
	}
	return c.feed.ToggleLike(ctx, args[0])
}

func (c *client) logout() error {
	c.activeRoom = ""
	c.activePeer = ""
	if c.presence != nil {
		c.presence.Close()
		c.presence = nil
	}
	c.manager.SignOut()
	if err := c.store.Clear(); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}
