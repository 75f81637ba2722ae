package cmd

import (
	"context"
	"fmt"
	"github.com/SahilThete/ME-AnonBot/anonbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"unicode"
)

var (
	cfg        = anonbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "anonbot [flags]",
	Short: "Discord bot for posting messages under anonymous handles",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *anonbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", anonbot.DefaultDatabase)
	viper.SetDefault("database_type", anonbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", anonbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", anonbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", anonbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", anonbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", anonbot.DefaultShutdownTimeout)

	viper.SetDefault("god_admins", []string{})
	viper.SetDefault("legacy_guild_id", "")

	// Relay config
	viper.SetDefault("relay.prefix", anonbot.DefaultRelayPrefix)
	viper.SetDefault("relay.mention_prefix", anonbot.DefaultRelayMentionPrefix)
	viper.SetDefault("relay.channel_mode", string(anonbot.DefaultRelayChannelMode))

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.register_commands", true)
	viper.SetDefault("discord.log_level", anonbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", anonbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(anonbot.DefaultDiscordGatewayIntent))

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		anonbot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", anonbot.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		anonbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", anonbot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", anonbot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		anonbot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		anonbot.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", anonbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", anonbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.requests_per_second", anonbot.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.request_burst", anonbot.DefaultAPIRequestBurst)
	viper.SetDefault("api.read_timeout", anonbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", anonbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", anonbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", anonbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", anonbot.DefaultAPITLSMinVersion)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	envPrefix := os.Getenv(anonbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = anonbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if godAdmins, ok := viper.Get("god_admins").(string); ok {
		viper.Set("god_admins", splitList(godAdmins))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// splitList splits a comma and/or whitespace separated list
func splitList(s string) []string {
	return strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		},
	)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
