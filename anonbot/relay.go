package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// newMentionPattern matches the handle naming convention: the mention
// prefix followed by exactly four digits, as a whole word
func newMentionPattern(mentionPrefix string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(mentionPrefix) + `\d{4}\b`)
}

// relayPayload returns the message content following prefix, and whether
// the message is a relay request at all. The prefix must be followed by
// whitespace or the end of the message, so "!anonymous" isn't a relay.
func relayPayload(content string, prefix string) (string, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", false
	}
	rest := content[len(prefix):]
	if rest != "" {
		r, _ := utf8.DecodeRuneInString(rest)
		if !unicode.IsSpace(r) {
			return "", false
		}
	}
	return strings.TrimSpace(rest), true
}

func formatRelayMessage(handle string, payload string) string {
	return shortenString(fmt.Sprintf("**%s:** %s", handle, payload), discordMaxMessageLength)
}

func formatRelayNotification(handle string, channelID string, payload string) string {
	return shortenString(
		fmt.Sprintf("**%s** mentioned you in <#%s>:\n%s", handle, channelID, payload),
		discordMaxMessageLength,
	)
}

// handleDiscordMessage relays guild messages starting with the relay
// prefix under the author's handle.
//
// This method is called as a goroutine for each new message received
// through the Discord gateway. Messages from bots, DMs, and messages
// without the prefix are ignored.
func (b *AnonBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := b.getLogger(ctx)

	payload, ok := relayPayload(m.Content, b.config.Relay.Prefix)
	if !ok {
		return
	}
	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring relay request outside of a guild")
		return
	}

	author := getMessageAuthor(m.Message)
	if author == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if author.Bot || author.ID == b.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", columnUserID, author.ID)
		return
	}

	logger = logger.With(
		slog.Group("message", messageLogAttrs(m.Message)...),
		columnUserID, author.ID,
	)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			internalErrorCounter.WithLabelValues(componentRelay).Inc()
			relayCounter.WithLabelValues(relayResultError).Inc()
		}
	}()

	result, err := b.relay(ctx, m.Message, author, payload)
	relayCounter.WithLabelValues(result).Inc()
	if err != nil {
		logger.ErrorContext(ctx, "error relaying message", tint.Err(err))
		internalErrorCounter.WithLabelValues(componentRelay).Inc()
		b.replyToMessage(ctx, m.Message, DefaultDiscordErrorMessage)
		return
	}
	logger.InfoContext(ctx, "handled relay request", "result", result)
}

// relay implements the relay once the message is known to be a relay
// request. It returns the outcome as a metric label. A non-nil error
// means nothing was posted.
func (b *AnonBot) relay(
	ctx context.Context,
	m *discordgo.Message,
	author *discordgo.User,
	payload string,
) (string, error) {
	if result, allowed, err := b.checkChannelPolicy(ctx, m); err != nil || !allowed {
		return result, err
	}

	if payload == "" {
		return relayResultEmpty, nil
	}

	sender, err := b.handles.LookupByUser(ctx, m.GuildID, author.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			b.replyToMessage(ctx, m, noHandleMessage)
			return relayResultNoHandle, nil
		}
		return relayResultError, err
	}

	targetUserID := b.resolveMention(ctx, m.GuildID, payload, author.ID)

	if _, err = b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content: formatRelayMessage(sender.Handle, payload),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
	); err != nil {
		return relayResultError, fmt.Errorf("error sending relay message: %w", err)
	}

	if err = b.discord.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		logger := b.contextLogger(ctx)
		logger.WarnContext(ctx, "unable to delete original message", tint.Err(err))
	}

	if targetUserID != "" {
		b.notifyMentionedUser(ctx, targetUserID, sender.Handle, m.ChannelID, payload)
	}
	return relayResultSent, nil
}

// checkChannelPolicy applies [RelayConfig.ChannelMode]. When the relay
// isn't allowed, the author has already been told why.
func (b *AnonBot) checkChannelPolicy(
	ctx context.Context,
	m *discordgo.Message,
) (result string, allowed bool, err error) {
	mode := b.config.Relay.ChannelMode
	if mode == ChannelModeAny {
		return "", true, nil
	}

	policy, err := b.channels.Get(ctx, m.GuildID)
	switch {
	case errors.Is(err, ErrNotFound):
		if mode == ChannelModeRequire {
			b.replyToMessage(ctx, m, userErrorMessage(ErrUnconfigured))
			return relayResultUnconfigured, false, nil
		}
		return "", true, nil
	case err != nil:
		return relayResultError, false, err
	}

	if policy.ChannelID != m.ChannelID {
		b.replyToMessage(
			ctx,
			m,
			fmt.Sprintf("Anonymous messages can only be sent in <#%s>.", policy.ChannelID),
		)
		return relayResultWrongChannel, false, nil
	}
	return "", true, nil
}

// resolveMention returns the user ID owning the first handle mentioned in
// payload, skipping the sender's own handle and unknown handles
func (b *AnonBot) resolveMention(
	ctx context.Context,
	guildID string,
	payload string,
	senderID string,
) string {
	logger := b.contextLogger(ctx)
	for _, match := range b.mentionPattern.FindAllString(payload, -1) {
		rec, err := b.handles.LookupByHandle(ctx, guildID, match)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.ErrorContext(ctx, "error resolving mentioned handle", tint.Err(err))
			}
			continue
		}
		if rec.UserID == senderID {
			continue
		}
		logger.DebugContext(ctx, "resolved mentioned handle", "handle_record", rec)
		return rec.UserID
	}
	return ""
}

func (b *AnonBot) notifyMentionedUser(
	ctx context.Context,
	userID string,
	senderHandle string,
	channelID string,
	payload string,
) {
	logger := b.contextLogger(ctx).With("target_user_id", userID)

	ch, err := b.discord.session.UserChannelCreate(userID)
	if err != nil {
		logger.ErrorContext(ctx, "error creating DM channel", tint.Err(err))
		return
	}
	if _, err = b.discord.session.ChannelMessageSend(
		ch.ID,
		formatRelayNotification(senderHandle, channelID, payload),
	); err != nil {
		logger.ErrorContext(ctx, "error sending mention notification", tint.Err(err))
		return
	}
	relayNotificationCounter.Inc()
	logger.InfoContext(ctx, "sent mention notification")
}

func (b *AnonBot) replyToMessage(ctx context.Context, m *discordgo.Message, content string) {
	if _, err := b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	); err != nil {
		b.contextLogger(ctx).ErrorContext(ctx, "error replying to message", tint.Err(err))
	}
}
