package anonbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

func (b *AnonBot) commandSetChannel(
	ctx context.Context,
	req commandRequest,
) (commandReply, error) {
	channelID := optionChannelID(req.Options, commandOptionChannel)
	if channelID == "" {
		return ephemeralReply("Please specify a channel."), nil
	}
	policy, err := b.channels.Set(ctx, req.GuildID, channelID, req.User.ID)
	if err != nil {
		return commandReply{}, err
	}
	return publicReply(
		"Anonymous messages are now restricted to <#%s>.",
		policy.ChannelID,
	), nil
}

// commandAdminViewHandles lists every handle in the guild with its owner.
// Long lists are cut to fit a single discord message.
func (b *AnonBot) commandAdminViewHandles(
	ctx context.Context,
	req commandRequest,
) (commandReply, error) {
	records, err := b.handles.List(ctx, req.GuildID)
	if err != nil {
		return commandReply{}, err
	}
	if len(records) == 0 {
		return ephemeralReply("No handles have been created in this server yet."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Handles (%d)**\n", len(records)))
	for n, rec := range records {
		sb.WriteString(fmt.Sprintf("%d. **%s**: <@%s>\n", n+1, rec.Handle, rec.UserID))
	}
	return ephemeralReply("%s", shortenString(sb.String(), discordMaxMessageLength)), nil
}

func (b *AnonBot) commandAdminAnalytics(
	ctx context.Context,
	req commandRequest,
) (commandReply, error) {
	handleCount, err := b.handles.Count(ctx, req.GuildID)
	if err != nil {
		return commandReply{}, err
	}
	adminCount, err := b.admins.Count(ctx)
	if err != nil {
		return commandReply{}, err
	}

	channel := "not set"
	policy, err := b.channels.Get(ctx, req.GuildID)
	switch {
	case err == nil:
		channel = fmt.Sprintf("<#%s>", policy.ChannelID)
	case !errors.Is(err, ErrNotFound):
		return commandReply{}, err
	}

	return ephemeralReply(
		"**Analytics**\nHandles: %d\nAdmins: %d\nGod admins: %d\nAnonymous channel: %s",
		handleCount,
		adminCount,
		len(b.admins.GodAdmins()),
		channel,
	), nil
}

// commandAdminManage grants and/or revokes admin. When both options are
// given, the grant is applied first.
func (b *AnonBot) commandAdminManage(
	ctx context.Context,
	req commandRequest,
) (commandReply, error) {
	addID := optionUserID(req.Options, commandOptionAdd)
	removeID := optionUserID(req.Options, commandOptionRemove)
	if addID == "" && removeID == "" {
		return ephemeralReply("Please specify a user to add or remove."), nil
	}

	var lines []string
	if addID != "" {
		if _, err := b.admins.Add(ctx, addID, req.User.ID); err != nil {
			return commandReply{}, err
		}
		lines = append(lines, fmt.Sprintf("<@%s> is now an admin.", addID))
	}
	if removeID != "" {
		if err := b.admins.Remove(ctx, removeID); err != nil {
			return commandReply{}, err
		}
		lines = append(lines, fmt.Sprintf("<@%s> is no longer an admin.", removeID))
	}
	return publicReply("%s", strings.Join(lines, "\n")), nil
}
