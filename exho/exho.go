package exho

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/kairo0916/ai-exho-discord-bot/exho.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Exho is the bot. It owns the discord session, the request queue,
// the conversation store and the optional status API.
type Exho struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord  *Discord
	queue    *RequestQueue
	store    *ConversationStore
	chat     *ChatPipeline
	cooldown *Cooldown
	quotes   *DailyQuote
	api      *API

	db    *gorm.DB
	redis *redis.Client

	quotePattern   *regexp.Regexp
	typingInterval time.Duration
	chunkDelay     time.Duration

	startedAt       time.Time
	messagesHandled atomic.Int64
	commandsHandled atomic.Int64

	runMu     sync.Mutex
	runtimeWG sync.WaitGroup
}

// New builds the bot from config. Connections to redis and the database
// (when configured) are opened here.
func New(config *Config) (*Exho, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	e := &Exho{
		config:         config,
		typingInterval: defaultTypingInterval,
		chunkDelay:     defaultChunkDelay,
	}

	e.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	e.logger = slog.New(e.logHandler)
	slog.SetDefault(e.logger)

	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone: %w", err))
		location = time.UTC
	}

	if config.Discord.QuotePattern != "" {
		e.quotePattern, err = regexp.Compile(config.Discord.QuotePattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid quote pattern: %w", err))
		}
	}

	config.Discord.httpClient = config.HTTPClient
	e.discord = newDiscord(config.Discord, newComponentLogger(config.Discord.LogLevel, "discord"))

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newComponentLogger(config.Discord.DiscordGoLogLevel, "discordgo").Handler(),
	)

	initCtx, cancel := context.WithTimeout(context.Background(), config.StartupTimeout)
	defer cancel()

	if config.Redis.URL != "" {
		e.redis, err = newRedisClient(initCtx, config.Redis.URL)
		if err != nil {
			errs = append(errs, err)
		}
	}

	kv, db, err := newHistoryBackend(initCtx, config, e.redis)
	if err != nil {
		errs = append(errs, err)
		kv = newFileStore(config.Memory.Dir)
	}
	e.db = db
	e.store = NewConversationStore(kv, e.logger.With(loggerNameKey, "memory"))

	e.queue = NewRequestQueue(config.Queue, e.logger.With(loggerNameKey, "queue"))

	chatLogger := newComponentLogger(config.Chat.LogLevel, "chat")
	textClient := newChatClient(config.Chat.Token, config.Chat.BaseURL, config.HTTPClient)
	visionClient := newChatClient(config.Vision.Token, config.Vision.BaseURL, config.HTTPClient)

	e.chat = NewChatPipeline(
		config.Chat,
		textClient,
		NewPromptBuilder(e.store, location, config.Memory.Limit, config.Chat.PersonaName),
		e.store,
		e.queue,
		NewVision(config.Vision, visionClient, config.HTTPClient, chatLogger.With(loggerNameKey, "vision")),
		NewSearchEnricher(
			NewWebSearch(config.Search, config.HTTPClient),
			textClient,
			e.queue,
			config.Chat.Model,
			config.Chat.Timeout,
			chatLogger.With(loggerNameKey, "search"),
		),
		config.Memory.Limit,
		chatLogger,
	)

	e.cooldown, err = NewCooldown(config.Discord.CooldownWindow, e.redis, e.discord.logger)
	if err != nil {
		errs = append(errs, err)
	}

	quotes, err := loadQuotes(config.Discord.QuoteFile)
	if err != nil {
		errs = append(errs, fmt.Errorf("error loading quotes: %w", err))
	}
	if len(quotes) == 0 {
		e.logger.Warn("no daily quotes loaded", "quote_file", config.Discord.QuoteFile)
	}
	e.quotes = NewDailyQuote(quotes)

	if config.API.Enabled {
		e.api = newAPI(e, config.API)
	}

	return e, errors.Join(errs...)
}

func (e *Exho) ValidateConfig() error {
	return structValidator.Struct(e.config)
}

// version is the configured bot version, or the build version
func (e *Exho) version() string {
	if e.config.BotVersion != "" {
		return e.config.BotVersion
	}
	return Version
}

// RegisterSlashCommands registers the /status and /memory commands
func (e *Exho) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return e.discord.registerCommands(options...)
}

// Run connects to discord and handles messages until ctx is canceled,
// then shuts down gracefully.
func (e *Exho) Run(ctx context.Context) error {
	// prevents concurrent runs
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.startedAt = time.Now()
	logger := e.logger

	if err := e.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", e.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the queue outlives ctx, so handlers still running at shutdown can
	// finish their model calls
	queueCtx, queueCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer queueCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return e.queue.Run(queueCtx)
		},
	)
	if e.api != nil {
		g.Go(
			func() error {
				return e.api.Serve(gctx)
			},
		)
	}

	if err := e.initDiscordSession(gctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		queueCancel()
		return errors.Join(err, g.Wait(), e.closeBackends())
	}

	if err := e.openDiscordSession(gctx); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		queueCancel()
		return errors.Join(err, g.Wait(), e.closeBackends())
	}

	if _, err := e.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	if e.config.Discord.StatusInterval > 0 {
		g.Go(
			func() error {
				e.rotatePresence(gctx)
				return nil
			},
		)
	}

	logger.InfoContext(ctx, "ready", "version", e.version())
	<-gctx.Done()

	return e.shutdown(ctx, queueCancel, g)
}

// openDiscordSession connects to the gateway, giving up after
// StartupTimeout
func (e *Exho) openDiscordSession(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, e.config.StartupTimeout)
	defer startCancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- e.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		return err
	}
}

func (e *Exho) initDiscordSession(ctx context.Context) error {
	if e.discord.session == nil {
		session, err := e.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		e.discord.session = session
	}

	e.discord.removeHandlers()
	e.discord.session.SetIdentify(discordgo.Identify{Intents: e.config.Discord.GatewayIntents})
	e.discord.addHandlers()

	// handlers keep running through shutdown, so they can finish replying
	handlerCtx := context.WithoutCancel(WithLogger(ctx, e.discord.logger))

	e.discord.discordgoRemoveHandlerFuncs = append(
		e.discord.discordgoRemoveHandlerFuncs,
		e.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if m == nil || m.Message == nil {
					return
				}
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleMessage(handlerCtx, m.Message)
				}()
			},
		),
		e.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleInteraction(handlerCtx, i)
				}()
			},
		),
	)
	return nil
}

// rotatePresence updates the discord presence every StatusInterval
// until ctx is done
func (e *Exho) rotatePresence(ctx context.Context) {
	ticker := time.NewTicker(e.config.Discord.StatusInterval)
	defer ticker.Stop()

	e.discord.rotatePresence(e.version())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.discord.rotatePresence(e.version())
		}
	}
}

// shutdown stops accepting gateway events, waits up to ShutdownTimeout
// for in-flight message handlers, then stops the request queue and closes
// the discord session and the storage backends
func (e *Exho) shutdown(ctx context.Context, stopQueue context.CancelFunc, g *errgroup.Group) error {
	shutdownStart := time.Now()
	e.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", e.config.ShutdownTimeout,
	)

	var errs []error

	e.discord.removeHandlers()

	handlersDone := make(chan struct{})
	go func() {
		e.runtimeWG.Wait()
		close(handlersDone)
	}()

	select {
	case <-handlersDone:
		e.logger.Info(
			"finished handling in-flight messages",
			"duration", time.Since(shutdownStart),
		)
	case <-time.After(e.config.ShutdownTimeout):
		errs = append(errs, errors.New("in-flight messages did not finish in time"))
		e.logger.Error("timed out waiting for in-flight messages")
	}
	stopQueue()

	if e.discord.session != nil {
		if err := e.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.closeBackends())

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("shutdown finished with errors", tint.Err(err))
	} else {
		e.logger.Info("shutdown complete", "duration", time.Since(shutdownStart))
	}
	return err
}

func (e *Exho) closeBackends() error {
	var errs []error
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", err))
			}
		}
		e.db = nil
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing redis: %w", err))
		}
		e.redis = nil
	}
	return errors.Join(errs...)
}
