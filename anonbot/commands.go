package anonbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const (
	DiscordSlashCommandPing       = "ping"
	DiscordSlashCommandCreate     = "create"
	DiscordSlashCommandViewHandle = "viewhandle"
	DiscordSlashCommandSetChannel = "setchannel"
	DiscordSlashCommandHelp       = "help"
	DiscordSlashCommandAdmin      = "admin"

	discordSubcommandViewHandles = "viewhandles"
	discordSubcommandAnalytics   = "analytics"
	discordSubcommandManage      = "manage"

	commandOptionHandle  = "handle"
	commandOptionChannel = "channel"
	commandOptionAdd     = "add"
	commandOptionRemove  = "remove"
)

// applicationCommands returns the slash commands registered with discord
func applicationCommands() []*discordgo.ApplicationCommand {
	allowDM := true
	guildOnly := false
	minHandleLength := 1

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandPing,
			Description:  "Check the bot's latency",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &allowDM,
		},
		{
			Name:         DiscordSlashCommandCreate,
			Description:  "Create your anonymous handle",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionHandle,
					Description: "The handle you want to use (can't be changed later)",
					Required:    true,
					MinLength:   &minHandleLength,
					MaxLength:   handleMaxLength,
				},
			},
		},
		{
			Name:         DiscordSlashCommandViewHandle,
			Description:  "View your anonymous handle",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &guildOnly,
		},
		{
			Name:         DiscordSlashCommandSetChannel,
			Description:  "Set the channel for anonymous messages",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         commandOptionChannel,
					Description:  "The channel where anonymous messages are allowed",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:         DiscordSlashCommandHelp,
			Description:  "Show available commands",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &allowDM,
		},
		{
			Name:         DiscordSlashCommandAdmin,
			Description:  "Admin commands",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        discordSubcommandViewHandles,
					Description: "List all handles in this server",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        discordSubcommandAnalytics,
					Description: "Show handle statistics",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        discordSubcommandManage,
					Description: "Grant or revoke admin",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        commandOptionAdd,
							Description: "User to grant admin",
						},
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        commandOptionRemove,
							Description: "User to revoke admin from",
						},
					},
				},
			},
		},
	}
}

// commandReply is the content of an interaction response
type commandReply struct {
	Content   string
	Ephemeral bool
}

func ephemeralReply(format string, args ...any) commandReply {
	return commandReply{Content: fmt.Sprintf(format, args...), Ephemeral: true}
}

func publicReply(format string, args ...any) commandReply {
	return commandReply{Content: fmt.Sprintf(format, args...)}
}

// commandRequest is a resolved slash command invocation
type commandRequest struct {
	Interaction *discordgo.InteractionCreate
	User        *discordgo.User
	GuildID     string
	Privilege   Privilege
	Options     map[string]*discordgo.ApplicationCommandInteractionDataOption
	Logger      *slog.Logger
}

type commandFunc func(ctx context.Context, req commandRequest) (commandReply, error)

// slashCommand is an entry in the command routing table
type slashCommand struct {
	// Privilege is the minimum privilege required to run the command
	Privilege Privilege

	// GuildOnly commands reply with [ErrGuildOnly] when used in DMs
	GuildOnly bool

	Run commandFunc
}

// commandTable returns the routing table, keyed by command name, or
// command and subcommand names separated by a space.
func (b *AnonBot) commandTable() map[string]slashCommand {
	return map[string]slashCommand{
		DiscordSlashCommandPing: {
			Privilege: PrivilegeMember,
			Run:       b.commandPing,
		},
		DiscordSlashCommandCreate: {
			Privilege: PrivilegeMember,
			GuildOnly: true,
			Run:       b.commandCreate,
		},
		DiscordSlashCommandViewHandle: {
			Privilege: PrivilegeMember,
			GuildOnly: true,
			Run:       b.commandViewHandle,
		},
		DiscordSlashCommandSetChannel: {
			Privilege: PrivilegeAdmin,
			GuildOnly: true,
			Run:       b.commandSetChannel,
		},
		DiscordSlashCommandHelp: {
			Privilege: PrivilegeMember,
			Run:       b.commandHelp,
		},
		DiscordSlashCommandAdmin + " " + discordSubcommandViewHandles: {
			Privilege: PrivilegeAdmin,
			GuildOnly: true,
			Run:       b.commandAdminViewHandles,
		},
		DiscordSlashCommandAdmin + " " + discordSubcommandAnalytics: {
			Privilege: PrivilegeAdmin,
			GuildOnly: true,
			Run:       b.commandAdminAnalytics,
		},
		DiscordSlashCommandAdmin + " " + discordSubcommandManage: {
			Privilege: PrivilegeGod,
			GuildOnly: true,
			Run:       b.commandAdminManage,
		},
	}
}

// commandPath returns the routing key for an application command
// interaction, ex: "admin manage"
func commandPath(i *discordgo.InteractionCreate) string {
	data := i.ApplicationCommandData()
	if sub := discordSubcommand(i); sub != nil {
		return data.Name + " " + sub.Name
	}
	return data.Name
}

// commandOptions returns the options of the invoked (sub)command
func commandOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	if sub := discordSubcommand(i); sub != nil {
		return optionMap(sub.Options)
	}
	return discordInteractionOptions(i)
}

// handleInteraction processes an incoming Discord interaction, regardless
// of whether it was received via the gateway or webhook.
//
// Every interaction is logged to the database. Pings (webhook only) are
// answered with a pong, and application commands are routed via
// [AnonBot.commandTable]. Unknown commands are ignored.
func (b *AnonBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		slog.Group("user", "id", discordUser.ID, "username", discordUser.Username),
	)

	interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	defer func() {
		if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		path := commandPath(i)
		cmd, ok := b.commands[path]
		if !ok {
			logger.DebugContext(ctx, "unknown command, ignoring", "command", path)
			return
		}
		reply := b.executeCommand(ctx, path, cmd, i, discordUser)
		respondWithReply(ctx, handler, reply)
	default:
		logger.DebugContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// executeCommand checks guild scope and privilege before running cmd,
// and maps any error to a reply. Panics are recovered and answered with
// [DefaultDiscordErrorMessage].
func (b *AnonBot) executeCommand(
	ctx context.Context,
	path string,
	cmd slashCommand,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (reply commandReply) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	logger = logger.With("command", path)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			internalErrorCounter.WithLabelValues(componentCommand).Inc()
			commandCounter.WithLabelValues(path, commandResultError).Inc()
			reply = ephemeralReply(DefaultDiscordErrorMessage)
		}
	}()

	if cmd.GuildOnly && i.GuildID == "" {
		commandCounter.WithLabelValues(path, commandResultUserError).Inc()
		return ephemeralReply(userErrorMessage(ErrGuildOnly))
	}

	privilege, err := b.admins.ResolvePrivilege(ctx, user.ID)
	if err != nil {
		return b.internalErrorReply(ctx, logger, path, err)
	}
	if !privilege.Allows(cmd.Privilege) {
		logger.WarnContext(
			ctx,
			"insufficient privilege for command",
			"privilege", privilege,
			"required", cmd.Privilege,
		)
		commandCounter.WithLabelValues(path, commandResultDenied).Inc()
		return ephemeralReply(userErrorMessage(ErrUnauthorized))
	}

	req := commandRequest{
		Interaction: i,
		User:        user,
		GuildID:     i.GuildID,
		Privilege:   privilege,
		Options:     commandOptions(i),
		Logger:      logger,
	}
	reply, err = cmd.Run(ctx, req)
	if err != nil {
		if isUserError(err) {
			logger.InfoContext(ctx, "command rejected", "reason", err.Error())
			commandCounter.WithLabelValues(path, commandResultUserError).Inc()
			return ephemeralReply(userErrorMessage(err))
		}
		return b.internalErrorReply(ctx, logger, path, err)
	}
	commandCounter.WithLabelValues(path, commandResultOK).Inc()
	return reply
}

func (*AnonBot) internalErrorReply(
	ctx context.Context,
	logger *slog.Logger,
	path string,
	err error,
) commandReply {
	logger.ErrorContext(ctx, "error running command", tint.Err(err))
	internalErrorCounter.WithLabelValues(componentCommand).Inc()
	commandCounter.WithLabelValues(path, commandResultError).Inc()
	return ephemeralReply(DefaultDiscordErrorMessage)
}

// respondWithReply sends reply as the interaction response. Mentions in
// the content are never pinged.
func respondWithReply(ctx context.Context, handler InteractionHandler, reply commandReply) {
	data := &discordgo.InteractionResponseData{
		Content:         shortenString(reply.Content, discordMaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if reply.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
}

// userErrorMessage returns the reply for an expected error
func userErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrHandleTaken):
		return "This handle is already taken! Try another one."
	case errors.Is(err, ErrHandleAlreadySet):
		return "You already have a handle, and it can't be changed. Use `/viewhandle` to see it."
	case errors.Is(err, ErrInvalidHandle):
		return fmt.Sprintf(
			"Handles must be 1-%d characters, without spaces or any of: %s",
			handleMaxLength,
			"`* _ ~ | < > @ # :` or backticks",
		)
	case errors.Is(err, ErrAlreadyAdmin):
		return "That user is already an admin."
	case errors.Is(err, ErrNotAdmin):
		return "That user isn't an admin."
	case errors.Is(err, ErrUnauthorized):
		return "You don't have permission to use this command."
	case errors.Is(err, ErrGuildOnly):
		return "This command can only be used in a server."
	case errors.Is(err, ErrUnconfigured):
		return "An admin needs to set a channel for anonymous messages with `/setchannel` first."
	case errors.Is(err, ErrNotFound):
		return "Not found."
	default:
		return DefaultDiscordErrorMessage
	}
}

// optionUserID returns the ID of a user option, or an empty string
func optionUserID(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionUser {
		return ""
	}
	return opt.UserValue(nil).ID
}

// optionString returns the trimmed value of a string option, or an
// empty string
func optionString(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionString {
		return ""
	}
	return strings.TrimSpace(opt.StringValue())
}

// optionChannelID returns the ID of a channel option, or an empty string
func optionChannelID(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := options[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionChannel {
		return ""
	}
	return opt.ChannelValue(nil).ID
}
