package anonbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiPathGuildHandles     = "/guilds/:guild_id/handles"
	apiPathGuildStats       = "/guilds/:guild_id/stats"
	apiPathGuildChannel     = "/guilds/:guild_id/channel"
	apiPathAdmins           = "/admins"
	apiPathAdmin            = "/admins/:user_id"
	apiPathRegisterCommands = "/discord/register_commands"

	apiParamGuildID = "guild_id"
	apiParamUserID  = "user_id"

	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	apiCredentialKey    = "api_credential"
)

// API is the admin HTTP server. Besides the bearer-token protected
// endpoints under /api, it serves /healthz and prometheus /metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	limiter    *rate.Limiter
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server, its middleware and routes
func newAPI(b *AnonBot, config *APIConfig) (*API, error) {
	logger := slog.New(
		newLogHandler(defaultLogWriter, config.LogLevel),
	).With(loggerNameKey, "api")

	r := newGinEngine(logger, b.config.Development)
	api := &API{
		config:  config,
		engine:  r,
		limiter: newRateLimiter(config.RequestsPerSecond, config.RequestBurst),
		logger:  logger,
		handlers: &APIHandlers{
			b:      b,
			logger: logger,
		},
	}

	tlsCfg, err := config.SSL.tlsConfig()
	if err != nil {
		return nil, err
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(metricMiddleware(), rateLimitMiddleware(api.limiter))

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(apiMetrics, gin.WrapH(promhttp.Handler()))

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b))

	protected.GET(apiPathGuildHandles, h.getGuildHandles)
	protected.GET(apiPathGuildStats, h.getGuildStats)
	protected.GET(apiPathGuildChannel, h.getGuildChannel)
	protected.PUT(apiPathGuildChannel, h.setGuildChannel)
	protected.GET(apiPathAdmins, h.getAdmins)
	protected.POST(apiPathAdmins, h.addAdmin)
	protected.DELETE(apiPathAdmin, h.removeAdmin)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		ln, err := listen(ctx, a.config.ListenNetwork, a.config.Listen, a.httpServer.TLSConfig)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the admin API endpoints
type APIHandlers struct {
	b      *AnonBot
	logger *slog.Logger
}

// healthCheckResponse is returned by the health check endpoint
type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
}

type guildStatsResponse struct {
	GuildID   string `json:"guild_id"`
	Handles   int64  `json:"handles"`
	Admins    int64  `json:"admins"`
	GodAdmins int    `json:"god_admins"`
	ChannelID string `json:"channel_id,omitempty"`
}

type adminsResponse struct {
	Admins    []AdminRecord `json:"admins"`
	GodAdmins []string      `json:"god_admins"`
}

type setChannelPayload struct {
	ChannelID string `json:"channel_id" binding:"required,numeric"`
	SetBy     string `json:"set_by" binding:"omitempty,numeric"`
}

type addAdminPayload struct {
	UserID  string `json:"user_id" binding:"required,numeric"`
	AddedBy string `json:"added_by" binding:"omitempty,numeric"`
}

// healthCheck reports the gateway connection state. It's unauthenticated.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
		Version:                 Version,
	}
	if !h.b.startedAt.IsZero() {
		resp.Uptime = time.Since(h.b.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

// getGuildHandles lists a guild's handles, oldest first
func (h *APIHandlers) getGuildHandles(c *gin.Context) {
	records, err := h.b.handles.List(c, c.Param(apiParamGuildID))
	if err != nil {
		h.internalError(c, "error listing handles", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *APIHandlers) getGuildStats(c *gin.Context) {
	guildID := c.Param(apiParamGuildID)
	handleCount, err := h.b.handles.Count(c, guildID)
	if err != nil {
		h.internalError(c, "error counting handles", err)
		return
	}
	adminCount, err := h.b.admins.Count(c)
	if err != nil {
		h.internalError(c, "error counting admins", err)
		return
	}
	resp := guildStatsResponse{
		GuildID:   guildID,
		Handles:   handleCount,
		Admins:    adminCount,
		GodAdmins: len(h.b.admins.GodAdmins()),
	}

	policy, err := h.b.channels.Get(c, guildID)
	switch {
	case err == nil:
		resp.ChannelID = policy.ChannelID
	case !errors.Is(err, ErrNotFound):
		h.internalError(c, "error getting channel policy", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getGuildChannel(c *gin.Context) {
	policy, err := h.b.channels.Get(c, c.Param(apiParamGuildID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			ginReplyError(c, http.StatusNotFound, "no channel set")
			return
		}
		h.internalError(c, "error getting channel policy", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *APIHandlers) setGuildChannel(c *gin.Context) {
	var payload setChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginReplyError(c, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := h.b.channels.Set(
		c,
		c.Param(apiParamGuildID),
		payload.ChannelID,
		payload.SetBy,
	)
	if err != nil {
		h.internalError(c, "error setting channel policy", err)
		return
	}
	ginContextLogger(c).InfoContext(c, "set channel policy", "channel_policy", policy)
	c.JSON(http.StatusOK, policy)
}

func (h *APIHandlers) getAdmins(c *gin.Context) {
	admins, err := h.b.admins.List(c)
	if err != nil {
		h.internalError(c, "error listing admins", err)
		return
	}
	c.JSON(
		http.StatusOK,
		adminsResponse{Admins: admins, GodAdmins: h.b.admins.GodAdmins()},
	)
}

func (h *APIHandlers) addAdmin(c *gin.Context) {
	var payload addAdminPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginReplyError(c, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.b.admins.Add(c, payload.UserID, payload.AddedBy)
	if err != nil {
		if errors.Is(err, ErrAlreadyAdmin) {
			ginReplyError(c, http.StatusConflict, err.Error())
			return
		}
		h.internalError(c, "error adding admin", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *APIHandlers) removeAdmin(c *gin.Context) {
	userID := c.Param(apiParamUserID)
	if err := h.b.admins.Remove(c, userID); err != nil {
		if errors.Is(err, ErrNotAdmin) {
			ginReplyError(c, http.StatusNotFound, err.Error())
			return
		}
		h.internalError(c, "error removing admin", err)
		return
	}
	ginReplyMessage(c, "admin removed")
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.b.RegisterSlashCommands(discordgo.WithContext(c))
	if err != nil {
		h.internalError(c, "error registering commands", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (*APIHandlers) internalError(c *gin.Context, msg string, err error) {
	ginContextLogger(c).ErrorContext(c, msg, tint.Err(err))
	_ = c.Error(err)
	ginReplyError(c, http.StatusInternalServerError, msg)
}

// authMiddleware requires an `Authorization: Bearer <token>` header
// matching an [APICredential].
func authMiddleware(b *AnonBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		token := strings.TrimSpace(
			strings.TrimPrefix(c.GetHeader(authorizationHeader), bearerPrefix),
		)
		cred, err := verifyAPIToken(c, b.db, token)
		switch {
		case errors.Is(err, ErrNoAPICredentials):
			logger.WarnContext(c, "no API token set, run `init` to create one")
			ginReplyError(c, http.StatusUnauthorized, "unauthorized")
			return
		case errors.Is(err, ErrUnauthorized):
			logger.WarnContext(c, "invalid API token")
			ginReplyError(c, http.StatusUnauthorized, "unauthorized")
			return
		case err != nil:
			logger.ErrorContext(c, "error verifying API token", tint.Err(err))
			ginReplyError(c, http.StatusInternalServerError, "error verifying token")
			return
		}

		c.Set(apiCredentialKey, cred.Name)
		c.Set(
			string(loggerContextKey),
			logger.With("api_credential", cred.Name),
		)
		c.Next()
	}
}
