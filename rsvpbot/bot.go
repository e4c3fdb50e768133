package rsvpbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/rsvpbot/rsvpbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

const (
	// interactionTimeout bounds the handling of a single interaction,
	// which continues even if the bot starts shutting down
	interactionTimeout = 30 * time.Second

	shutdownAnnouncementInterval = 10 * time.Second
)

var ErrShutdownTimeout = errors.New("shutdown did not finish in time")

// Bot ties the event registry, reminder scheduler, Discord session and
// status API together.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db        *database
	registry  *Registry
	scheduler *ReminderScheduler
	discord   *Discord
	api       *API

	now   func() time.Time
	runMu sync.Mutex
}

// New validates the config and returns a Bot ready to Run
func New(config *Config) (*Bot, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &Bot{
		config: config,
		now:    time.Now,
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)),
	)
	b.api = newAPI(b, config.API)
	return b, nil
}

// ValidateConfig checks the config's `binding` constraints
func ValidateConfig(config *Config) error {
	return structValidator.Struct(config)
}

// Run loads events, connects to Discord and starts sending reminders,
// then blocks until ctx is canceled and the bot has shut down.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	runtimeWG := &sync.WaitGroup{}

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		b.closeDiscord(ctx)
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeDiscord(ctx)
			return err
		}
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.scheduler.Run(gctx)
		},
	)
	if b.config.API.Enabled {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("error serving api: %w", err)
				}
				return nil
			},
		)
	}

	logger.InfoContext(ctx, "ready")
	<-gctx.Done()

	return b.shutdown(ctx, g, runtimeWG)
}

// initRun opens the database, loads events into the registry, then
// connects to Discord and registers commands
func (b *Bot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := b.registry.Load(startCtx); err != nil {
		return fmt.Errorf("error loading events: %w", err)
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	b.scheduler = NewReminderScheduler(
		b.registry,
		newDiscordNotifier(b.discord.session, b.discord.logger),
		*b.config.Scheduler,
		slog.New(newLogHandler(b.config.Scheduler.LogLevel)),
	)

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := b.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		return err
	}
	return nil
}

// initDB opens the configured database, and creates the registry
// backed by it
func (b *Bot) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return err
	}

	b.db = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.registry = NewRegistry(b.db, b.logger)
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.removeDiscordHandlers()
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := GatewayHandler{
					session:     b.discord.session,
					interaction: i,
					logger: b.logger.With(
						slog.Group("interaction", interactionLogAttrs(*i)...),
					),
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					ictx, icancel := context.WithTimeout(
						context.WithoutCancel(ctx),
						interactionTimeout,
					)
					defer icancel()
					b.handleInteraction(ictx, handler)
				}()
			},
		),
	}
	return nil
}

// shutdown stops the API, scheduler and Discord session, waiting on
// in-flight interactions until ShutdownTimeout passes
func (b *Bot) shutdown(
	ctx context.Context,
	g *errgroup.Group,
	runtimeWG *sync.WaitGroup,
) error {
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.WithoutCancel(ctx),
		shutdownDeadline,
	)
	defer closeCancel()

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		if b.config.API.Enabled {
			if err := b.api.Shutdown(closeCtx); err != nil {
				b.logger.ErrorContext(ctx, "error stopping api", tint.Err(err))
			}
		}
		b.removeDiscordHandlers()
		runErr = g.Wait()
		runtimeWG.Wait()
		b.closeDiscord(ctx)
	}()

	ticker := time.NewTicker(shutdownAnnouncementInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return runErr
		case <-ticker.C:
			b.logger.WarnContext(
				ctx,
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			b.logger.WarnContext(ctx, "shutdown timed out, forcing close")
			go func() {
				_ = b.api.httpServer.Close()
			}()
			return ErrShutdownTimeout
		}
	}
}

func (b *Bot) closeDiscord(ctx context.Context) {
	if b.discord == nil || b.discord.session == nil {
		return
	}
	b.logger.InfoContext(ctx, "closing discord session")
	if err := b.discord.session.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}
	b.removeDiscordHandlers()
}

func (b *Bot) removeDiscordHandlers() {
	if b.discord == nil {
		return
	}
	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
}
