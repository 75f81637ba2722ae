package cmd

import (
	"errors"
	"fmt"
	"github.com/SahilThete/ME-AnonBot/anonbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"io"
	"syscall"
)

// passwordReader is a function type for reading the API token without
// echoing it. It's really only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var resetToken bool

// maxTokenAttempts limits how many times the token prompt is repeated
const maxTokenAttempts = 3

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Migrate the database, backfill legacy handles and set the API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			return errors.New(
				"database type not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := anonbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()
		writeDB := anonbot.NewDatabase(db, nil, false)

		legacyGuildID := cfg.LegacyGuildID
		if legacyGuildID == "" {
			legacyGuildID = cfg.Discord.GuildID
		}
		if legacyGuildID != "" {
			updated, backfillErr := anonbot.NewHandleStore(writeDB, nil).Backfill(
				ctx,
				legacyGuildID,
			)
			if backfillErr != nil {
				return fmt.Errorf("error backfilling handles: %w", backfillErr)
			}
			fmt.Fprintf(out, "Assigned %d legacy handle(s) to guild %s.\n", updated, legacyGuildID)
		}

		hasToken, err := anonbot.HasAPICredentials(ctx, db)
		if err != nil {
			return fmt.Errorf("error checking API credentials: %w", err)
		}
		if hasToken && !resetToken {
			fmt.Fprintln(out, "API token is already set (use --reset-token to replace it).")
		} else {
			if !hasToken {
				fmt.Fprintln(out, "API token is not set. Let's set it up.")
			}
			if err = promptAPIToken(cmd, out, writeDB); err != nil {
				return err
			}
			fmt.Fprintln(out, "API token set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptAPIToken reads the token twice, and stores it once both entries
// match and the token is long enough
func promptAPIToken(cmd *cobra.Command, out io.Writer, db anonbot.DBI) error {
	readToken := customPasswordReader
	if readToken == nil {
		readToken = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		fmt.Fprint(out, "Enter API token: ")
		token, err := readToken()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading token: %w", err)
		}

		fmt.Fprint(out, "Confirm API token: ")
		confirm, err := readToken()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading token: %w", err)
		}

		if string(token) != string(confirm) {
			fmt.Fprintln(out, "Tokens do not match. Please try again.")
			continue
		}

		err = anonbot.SetAPIToken(
			cmd.Context(),
			db,
			anonbot.DefaultAPICredentialName,
			string(token),
		)
		switch {
		case errors.Is(err, anonbot.ErrAPITokenTooShort):
			fmt.Fprintf(out, "%s. Please try again.\n", err.Error())
			continue
		case err != nil:
			return fmt.Errorf("error setting API token: %w", err)
		}
		return nil
	}
	return errors.New("too many attempts, API token not set")
}

func init() {
	initCmd.Flags().BoolVar(
		&resetToken,
		"reset-token",
		false,
		"Replace the existing API token",
	)
	rootCmd.AddCommand(initCmd)
}
