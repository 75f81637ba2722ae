package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/SahilThete/ME-AnonBot/anonbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateRelayConfig, RelayConfig{})
}

// AnonBot relays anonymous messages in discord guilds under per-guild
// handles, and answers the slash commands used to manage them.
type AnonBot struct {
	config *Config

	// Read connection. Writes go through writeDB.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes are serialized.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	handles  *HandleStore
	admins   *AdminRegistry
	channels *ChannelPolicyStore

	// Provides the admin API and metrics endpoint
	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions instead of the gateway
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	// slash command routing table, see [AnonBot.commandTable]
	commands map[string]slashCommand

	// matches handles mentioned in relayed messages
	mentionPattern *regexp.Regexp

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received over the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalReady has a value sent on it when Run has finished starting
	// up: the database is migrated, servers are listening, the gateway
	// is open and commands have been registered.
	signalReady chan struct{}

	// A signal is sent on this channel when [AnonBot.shutdown] finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates an AnonBot from config. Nil sections of config are filled
// in from [DefaultConfig].
func New(config *Config) (*AnonBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	fillConfigDefaults(config)

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &AnonBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	b.mentionPattern = newMentionPattern(config.Relay.MentionPrefix)
	b.commands = b.commandTable()
	b.webhookInteractionHandler = webhookReceiveHandler(context.Background(), b)

	if config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// fillConfigDefaults replaces nil sections and log levels with defaults
func fillConfigDefaults(config *Config) {
	defaults := DefaultConfig()
	if config.Relay == nil {
		config.Relay = defaults.Relay
	}
	if config.Discord == nil {
		config.Discord = defaults.Discord
	}
	if config.API == nil {
		config.API = defaults.API
	}
	if config.LogLevel == nil {
		config.LogLevel = defaults.LogLevel
	}
	if config.DatabaseLogLevel == nil {
		config.DatabaseLogLevel = defaults.DatabaseLogLevel
	}
	if config.Discord.LogLevel == nil {
		config.Discord.LogLevel = defaults.Discord.LogLevel
	}
	if config.Discord.DiscordGoLogLevel == nil {
		config.Discord.DiscordGoLogLevel = defaults.Discord.DiscordGoLogLevel
	}
	if config.Discord.WebhookServer.LogLevel == nil {
		config.Discord.WebhookServer.LogLevel = defaults.Discord.WebhookServer.LogLevel
	}
	if config.API.LogLevel == nil {
		config.API.LogLevel = defaults.API.LogLevel
	}
}

func (b *AnonBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// getLogger returns the logger stored in ctx, or the bot's logger (and
// a context carrying it) when there isn't one
func (b *AnonBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

func (b *AnonBot) contextLogger(ctx context.Context) *slog.Logger {
	_, logger := b.getLogger(ctx)
	return logger
}

// RegisterSlashCommands overwrites the bot's slash commands with discord.
// A session is created if one doesn't already exist, but the gateway
// connection isn't opened.
func (b *AnonBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// Run starts the bot, blocking until ctx is canceled or one of the HTTP
// servers fails, then shuts down gracefully.
//
// Startup (database migration, handle backfill, discord session setup) is
// limited to [Config.StartupTimeout].
func (b *AnonBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// in-flight interactions and relays, waited on during shutdown
	runtimeWG := &sync.WaitGroup{}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	servers, serverCtx := errgroup.WithContext(ctx)
	if b.api != nil {
		servers.Go(
			func() error {
				return b.serve(ctx, cancel, "api", b.api.Serve)
			},
		)
	}
	if b.discordWebhookServer != nil {
		servers.Go(
			func() error {
				return b.serve(ctx, cancel, "webhook", b.discordWebhookServer.Serve)
			},
		)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = b.shutdown(ctx, runtimeWG)
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			servers.Wait(),
		)
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.RegisterSlashCommands(); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context, generally
	// an interrupt or a server failing
	<-serverCtx.Done()
	cancel()

	shutdownErr := b.shutdown(ctx, runtimeWG)
	return errors.Join(shutdownErr, servers.Wait())
}

// serve runs serveFunc until it returns. Anything other than
// [http.ErrServerClosed] cancels the runtime context.
func (b *AnonBot) serve(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	serveFunc func(ctx context.Context) error,
) error {
	err := serveFunc(ctx)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	b.logger.ErrorContext(ctx, "error serving HTTP", "server", name, tint.Err(err))
	cancel()
	return fmt.Errorf("%s server: %w", name, err)
}

func (b *AnonBot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	return nil
}

// initDB opens and migrates the database, backfills handles created
// before guild scoping, then creates the stores.
func (b *AnonBot) initDB(ctx context.Context) error {
	ctx, logger := b.getLogger(ctx)

	handler := newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = configureDB(ctx, db, b.config.DatabaseType); err != nil {
		return err
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.handles = NewHandleStore(b.writeDB, b.logger)
	b.admins = NewAdminRegistry(b.writeDB, b.config.GodAdmins, b.logger)
	b.channels = NewChannelPolicyStore(b.writeDB, b.logger)

	return b.backfillHandles(ctx)
}

// backfillHandles assigns unscoped handles to [Config.legacyGuildID].
// Without a legacy guild, they're left alone and only reported.
func (b *AnonBot) backfillHandles(ctx context.Context) error {
	_, logger := b.getLogger(ctx)

	guildID := b.config.legacyGuildID()
	if guildID == "" {
		unscoped, err := b.handles.Count(ctx, "")
		if err != nil {
			return err
		}
		if unscoped > 0 {
			logger.WarnContext(
				ctx,
				"found handles without a guild, set legacy_guild_id to backfill them",
				"count", unscoped,
			)
		}
		return nil
	}

	updated, err := b.handles.Backfill(ctx, guildID)
	if err != nil {
		return fmt.Errorf("error backfilling handles: %w", err)
	}
	if updated > 0 {
		logger.InfoContext(ctx, "backfilled handles", "count", updated, "guild_id", guildID)
	}
	return nil
}

// initDiscordSession creates the discord session (when one hasn't been
// set already) and adds the gateway event handlers. Interactions and
// messages are each handled in their own goroutine, tracked by runtimeWG.
func (b *AnonBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	// in-flight handlers finish their database writes and replies after
	// ctx is canceled, bounded by the shutdown timeout
	ctx = WithLogger(context.WithoutCancel(ctx), logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// shutdown waits for in-flight interactions and relays, then stops the
// HTTP servers and closes the discord session. If that doesn't finish
// within [Config.ShutdownTimeout], the HTTP servers are closed forcibly.
func (b *AnonBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		for _, srv := range b.httpServers() {
			stopWG.Add(1)
			go func(s *http.Server) {
				defer stopWG.Done()
				_ = s.Shutdown(closeCtx)
			}(srv)
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				for _, h := range b.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				b.discord.discordgoRemoveHandlerFuncs = nil
				b.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("in-flight requests did not finish in time, forcing close")
		for _, srv := range b.httpServers() {
			_ = srv.Close()
		}
		return errors.New("graceful shutdown timed out")
	}
}

func (b *AnonBot) httpServers() []*http.Server {
	var servers []*http.Server
	if b.api != nil && b.api.httpServer != nil {
		servers = append(servers, b.api.httpServer)
	}
	if b.discordWebhookServer != nil && b.discordWebhookServer.httpServer != nil {
		servers = append(servers, b.discordWebhookServer.httpServer)
	}
	return servers
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())

	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", tint.Err(err), "stack_trace", stackTrace)
}
