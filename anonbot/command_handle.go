package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const noHandleMessage = "You haven't set a handle yet! Use /create to set one."

// commandPing replies with the gateway heartbeat latency, and the time
// between the interaction being created and it being handled.
func (b *AnonBot) commandPing(_ context.Context, req commandRequest) (commandReply, error) {
	var heartbeat time.Duration
	if b.discord != nil && b.discord.session != nil {
		heartbeat = b.discord.session.HeartbeatLatency()
	}

	roundTrip := "unknown"
	if created, err := discordgo.SnowflakeTimestamp(req.Interaction.ID); err == nil {
		roundTrip = time.Since(created).Round(time.Millisecond).String()
	}

	return publicReply(
		"Pong! Gateway latency: %s, round trip: %s",
		heartbeat.Round(time.Millisecond),
		roundTrip,
	), nil
}

func (b *AnonBot) commandCreate(ctx context.Context, req commandRequest) (commandReply, error) {
	handle := optionString(req.Options, commandOptionHandle)
	rec, err := b.handles.Create(ctx, req.GuildID, req.User.ID, handle)
	if err != nil {
		return commandReply{}, err
	}
	return ephemeralReply("Your anonymous handle has been set to **%s**!", rec.Handle), nil
}

func (b *AnonBot) commandViewHandle(
	ctx context.Context,
	req commandRequest,
) (commandReply, error) {
	rec, err := b.handles.LookupByUser(ctx, req.GuildID, req.User.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ephemeralReply(noHandleMessage), nil
		}
		return commandReply{}, err
	}
	return ephemeralReply("Your anonymous handle is **%s**.", rec.Handle), nil
}

// commandHelp lists commands available to the caller. Admin commands
// are only listed for admins, and admin management only for god admins.
func (b *AnonBot) commandHelp(_ context.Context, req commandRequest) (commandReply, error) {
	var sb strings.Builder
	sb.WriteString("**Anonymous messages**\n")
	sb.WriteString(
		fmt.Sprintf("`%s <message>` post a message under your handle\n", b.config.Relay.Prefix),
	)
	sb.WriteString(
		fmt.Sprintf(
			"Include someone's handle (ex: `%s1234`) to send them a private copy.\n\n",
			b.config.Relay.MentionPrefix,
		),
	)
	sb.WriteString("**Commands**\n")
	sb.WriteString("`/create <handle>` choose your handle (it can't be changed later)\n")
	sb.WriteString("`/viewhandle` show your handle\n")
	sb.WriteString("`/ping` check the bot's latency\n")
	sb.WriteString("`/help` show this message\n")

	if req.Privilege.Allows(PrivilegeAdmin) {
		sb.WriteString("\n**Admin commands**\n")
		sb.WriteString("`/setchannel <channel>` restrict anonymous messages to a channel\n")
		sb.WriteString("`/admin viewhandles` list all handles in this server\n")
		sb.WriteString("`/admin analytics` show handle statistics\n")
	}
	if req.Privilege.Allows(PrivilegeGod) {
		sb.WriteString("`/admin manage add:<user> remove:<user>` grant or revoke admin\n")
	}
	return ephemeralReply("%s", sb.String()), nil
}
