package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	authimpl "github.com/foxseedlab/storypoker/external/auth"
	configloader "github.com/foxseedlab/storypoker/external/config"
	realtimeimpl "github.com/foxseedlab/storypoker/external/realtime"
	repositoryimpl "github.com/foxseedlab/storypoker/external/repository"
	webhookimpl "github.com/foxseedlab/storypoker/external/webhook"
	"github.com/foxseedlab/storypoker/internal/config"
	"github.com/foxseedlab/storypoker/internal/poker"
	"github.com/foxseedlab/storypoker/internal/realtime"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

const (
	commandTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	echoWaitTimeout = 5 * time.Second
	refreshInterval = time.Second
)

var (
	roomID        int64
	joinName      string
	participantID string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storypoker",
		Short: "Planning poker over a shared Postgres database",
		Long: `Storypoker keeps every participant of a room in sync through Postgres.
Rooms and votes are stored in tables whose changes are pushed to clients with
LISTEN/NOTIFY. Votes are also broadcast directly so peers see them at once.`,
		SilenceUsage: true,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room owned by AUTH_USER_ID",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	storyCmd := &cobra.Command{
		Use:   "story <title>",
		Short: "Start a new story and open voting (moderator only)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStory,
	}
	toggleCmd := &cobra.Command{
		Use:   "toggle",
		Short: "Open or close voting (moderator only)",
		Args:  cobra.NoArgs,
		RunE:  runToggle,
	}
	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and vote from the keyboard",
		Args:  cobra.NoArgs,
		RunE:  runJoin,
	}

	for _, c := range []*cobra.Command{storyCmd, toggleCmd, joinCmd} {
		c.Flags().Int64Var(&roomID, "room", 0, "Room id")
		_ = c.MarkFlagRequired("room")
	}
	joinCmd.Flags().StringVar(&joinName, "name", "", "Display name shown to other participants")
	joinCmd.Flags().StringVar(&participantID, "id", "", "Participant id (defaults to AUTH_USER_ID, else a random uuid)")

	rootCmd.AddCommand(createCmd, storyCmd, toggleCmd, joinCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// initLogger writes to stderr so log lines stay out of the status screen.
func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	realtimeimpl.RegisterDI(injector)
	authimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	poker.RegisterDI(injector)

	return injector
}

type app struct {
	cfg      *config.Config
	injector do.Injector
	session  *poker.Session
}

func bootstrap() (*app, error) {
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Debug("startup: configuration loaded", "env", cfg.Env)

	injector := setupDI(cfg)
	session, err := do.Invoke[*poker.Session](injector)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	return &app{cfg: cfg, injector: injector, session: session}, nil
}

// close tears down in dependency order: session, channel, then the pool.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.session.Close(ctx); err != nil {
		slog.Warn("session close failed", "error", err)
	}
	if ch, err := do.Invoke[realtime.Channel](a.injector); err == nil {
		if s, ok := ch.(interface{ Shutdown(context.Context) error }); ok {
			if err := s.Shutdown(ctx); err != nil {
				slog.Warn("channel shutdown failed", "error", err)
			}
		}
	}
	if pool, err := do.Invoke[*pgxpool.Pool](a.injector); err == nil {
		pool.Close()
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	room, err := a.session.CreateRoom(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Created room %d (owner %s)\n", room.ID, room.OwnerID)
	return nil
}

func runStory(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	if err := a.session.LoadRoom(ctx, roomID); err != nil {
		return err
	}
	if err := a.session.StartStory(ctx, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Printf("Started story in room %d\n", roomID)
	return nil
}

// runToggle waits for its own update to come back through the change feed so
// that closing a round still posts the result webhook.
func runToggle(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	echoed := make(chan bool, 1)
	var wantOpen bool
	a.session.OnUpdate(func(ev poker.Event) {
		if e, ok := ev.(poker.RoomUpdated); ok && e.Room.ID == roomID {
			select {
			case echoed <- e.Room.VotingEnabled:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	if err := a.session.LoadRoom(ctx, roomID); err != nil {
		return err
	}
	snap, err := a.session.Snapshot(ctx)
	if err != nil {
		return err
	}
	wantOpen = !snap.Room.VotingEnabled
	// drop the notification produced by the load itself
	select {
	case <-echoed:
	default:
	}
	if err := a.session.ToggleVoting(ctx); err != nil {
		return err
	}

	wait := time.After(echoWaitTimeout)
	for {
		select {
		case open := <-echoed:
			if open != wantOpen {
				continue
			}
			fmt.Printf("Voting in room %d is now %s\n", roomID, openLabel(open))
			return nil
		case <-wait:
			fmt.Printf("Voting toggle written for room %d; no change notification seen yet\n", roomID)
			return nil
		}
	}
}

func openLabel(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

func runJoin(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	id := participantID
	if id == "" {
		id = a.cfg.AuthUserID
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("participant id must be a uuid: %w", err)
	}

	updated := make(chan struct{}, 1)
	a.session.OnUpdate(func(poker.Event) {
		select {
		case updated <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	fmt.Printf("Connecting to room %d...\n", roomID)
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	if err := a.session.LoadRoom(ctx, roomID); err != nil && !errors.Is(err, poker.ErrNotFound) {
		return err
	}
	if err := a.session.Join(ctx, joinName, id); err != nil {
		return err
	}

	return joinLoop(a.session, updated)
}

func joinLoop(session *poker.Session, updated <-chan struct{}) error {
	ctx := context.Background()
	deck := session.Deck()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	keyCh := make(chan rune)
	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			if key == keyboard.KeyCtrlC || key == keyboard.KeyEsc {
				char = 'q'
			}
			keyCh <- char
		}
	}()

	var lastErr string
	draw := func() {
		snap, err := session.Snapshot(ctx)
		if err != nil {
			return
		}
		fmt.Print(clearScreen)
		renderStatus(os.Stdout, snap, deck, time.Now())
		if lastErr != "" {
			fmt.Printf("\n! %s\n", lastErr)
		}
	}
	act := func(fn func(context.Context) error) {
		actx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		lastErr = ""
		if err := fn(actx); err != nil {
			lastErr = err.Error()
		}
		draw()
	}

	draw()
	for {
		select {
		case <-ticker.C:
			draw()
		case <-updated:
			draw()
		case key := <-keyCh:
			switch key {
			case 'q', 'Q':
				fmt.Printf("\n\nLeaving room...\n")
				return nil
			case 't', 'T':
				act(session.ToggleVoting)
			case 'r', 'R':
				act(func(ctx context.Context) error { return session.LoadRoom(ctx, roomID) })
			default:
				if card, ok := cardForKey(deck, key); ok {
					act(func(ctx context.Context) error { return session.CastVote(ctx, card) })
				}
			}
		case sig := <-sigCh:
			fmt.Printf("\n\nReceived signal %v, leaving room...\n", sig)
			return nil
		}
	}
}
