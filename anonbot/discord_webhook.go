package anonbot

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
)

const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives interactions as HTTP POSTs from discord,
// as an alternative to receiving them over the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		ln, err := listen(ctx, d.config.ListenNetwork, d.config.Listen, d.httpServer.TLSConfig)
		if err != nil {
			return err
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting webhook server without TLS")
	}
	d.logger.InfoContext(ctx, "webhook server listening", "address", d.listener.Addr().String())
	return d.httpServer.Serve(d.listener)
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *AnonBot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(
		newLogHandler(defaultLogWriter, config.LogLevel),
	).With(loggerNameKey, "discord_webhook")

	r := newGinEngine(logger, b.config.Development)
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	tlsCfg, err := config.SSL.tlsConfig()
	if err != nil {
		return nil, err
	}
	server.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	r.POST(
		apiDiscordInteractions,
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
		func(c *gin.Context) {
			b.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler implements [InteractionHandler] for interactions received
// via webhook. The response is written as the HTTP response body.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext  *gin.Context
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

func (w WebhookHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w WebhookHandler) Logger() *slog.Logger {
	return w.logger
}

// webhookReceiveHandler returns a [gin.HandlerFunc] which decodes the
// interaction in the request body and handles it synchronously.
func webhookReceiveHandler(ctx context.Context, b *AnonBot) func(c *gin.Context) {
	ctx = context.WithoutCancel(ctx)
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error reading request body", tint.Err(err))
			ginReplyError(c, http.StatusInternalServerError, "error reading request body")
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.WarnContext(runCtx, "error unmarshalling body", tint.Err(e))
			ginReplyError(c, http.StatusBadRequest, "error unmarshalling body")
			return
		}

		handler := WebhookHandler{
			ginContext:  c,
			interaction: &interaction,
			logger:      logger.With(slog.Group("interaction", interactionLogAttrs(interaction)...)),
		}
		b.handleInteraction(runCtx, handler)

		if !c.Writer.Written() {
			// ignored interactions still need an acknowledgement
			c.Status(http.StatusNoContent)
		}
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a valid
// discord ed25519 signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(publicKey) != ed25519.PublicKeySize || !discordgo.VerifyInteraction(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			ginReplyError(c, http.StatusUnauthorized, "invalid signature")
			return
		}
		c.Next()
	}
}
