package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/rsvpbot/rsvpbot"
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
)

var (
	cfg        = rsvpbot.DefaultConfig()
	configFile string
)

// logLevelKeys are config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"scheduler.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are config keys holding a []string, which may be
// set from the environment as a space-separated list
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "rsvpbot [flags]",
	Short: "Discord bot for scheduling events, collecting RSVPs and sending reminders",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(config *rsvpbot.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		// replace list defaults rather than merging into them
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names like "INFO" or "warn" into
// a *slog.LevelVar
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

func setDefaults() {
	viper.SetDefault("database", rsvpbot.DefaultDatabase)
	viper.SetDefault("database_type", rsvpbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", rsvpbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", rsvpbot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", rsvpbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", rsvpbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", rsvpbot.DefaultShutdownTimeout)

	// Reminder scheduler
	viper.SetDefault("scheduler.sweep_interval", rsvpbot.DefaultSweepInterval)
	viper.SetDefault("scheduler.reminder_offset", rsvpbot.DefaultReminderOffset)
	viper.SetDefault("scheduler.notify_timeout", rsvpbot.DefaultNotifyTimeout)
	viper.SetDefault(
		"scheduler.max_concurrent_notifications",
		rsvpbot.DefaultMaxConcurrentNotifications,
	)
	viper.SetDefault("scheduler.log_level", rsvpbot.DefaultSchedulerLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", rsvpbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		rsvpbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", rsvpbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_channel_id", "")
	viper.SetDefault("discord.startup_message", rsvpbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", rsvpbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", rsvpbot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.http_timeout", rsvpbot.DefaultDiscordHTTPTimeout)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", rsvpbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", rsvpbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", rsvpbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", rsvpbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", rsvpbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", rsvpbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", rsvpbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", rsvpbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", rsvpbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", rsvpbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", rsvpbot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Fatalf("error loading env file %q: %v", configFile, err)
	}

	setDefaults()

	envPrefix := os.Getenv(rsvpbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = rsvpbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
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
		"Env file to load config from",
	)
}
