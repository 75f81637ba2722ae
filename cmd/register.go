package cmd

import (
	"fmt"
	"github.com/SahilThete/ME-AnonBot/anonbot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the bot's slash commands with discord, then exit",
	Long: "Overwrite the bot's slash commands with discord, then exit. " +
		"Commands are registered to discord.guild_id when it's set, otherwise globally.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := anonbot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterSlashCommands(discordgo.WithContext(cmd.Context()))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}

		out := cmd.OutOrStdout()
		scope := "globally"
		if cfg.Discord.GuildID != "" {
			scope = "to guild " + cfg.Discord.GuildID
		}
		fmt.Fprintf(out, "Registered %d command(s) %s:\n", len(created), scope)
		for _, c := range created {
			fmt.Fprintf(out, "  /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
