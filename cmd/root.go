package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kairo0916/ai-exho-discord-bot/exho"
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
	cfg        = exho.DefaultConfig()
	configFile string
)

// legacyEnv maps config keys to the unprefixed variable names older
// deployments used. Prefixed variables take precedence.
var legacyEnv = map[string]string{
	"memory.limit":           "MEMORY_LIMIT",
	"chat.model":             "TEXT_MODEL",
	"chat.token":             "COHERE_API_KEY",
	"vision.model":           "VISION_MODEL",
	"vision.token":           "GEMINI_API_KEY",
	"search.api_key":         "SEARCH_API_KEY",
	"search.engine_id":       "SEARCH_ENGINE_ID",
	"discord.log_channel_id": "LOG_CHANNEL_ID",
	"discord.prefix":         "PREFIX",
	"discord.token":          "DISCORD_TOKEN",
	"bot_version":            "BOT_VERSION",
}

// logLevelKeys are parsed from strings into *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"memory.database_log_level",
	"chat.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// statusSeparator splits discord.statuses when it's given as a single
// env var, since statuses usually contain spaces
const statusSeparator = "|"

var rootCmd = &cobra.Command{
	Use:   "exho [flags]",
	Short: "Exho, a conversational discord bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// mapstructure merges into existing slices instead of replacing them
		cfg.Discord.Statuses = nil
		cfg.API.CORS.AllowOrigins = nil
		cfg.API.CORS.AllowMethods = nil
		cfg.API.CORS.AllowHeaders = nil
		cfg.API.CORS.ExposeHeaders = nil

		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

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
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("log_level", exho.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", exho.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", exho.DefaultShutdownTimeout)
	viper.SetDefault("timezone", exho.DefaultTimezone)
	viper.SetDefault("bot_version", "")

	// Conversation memory
	viper.SetDefault("memory.limit", exho.DefaultMemoryLimit)
	viper.SetDefault("memory.backend", exho.DefaultMemoryBackend)
	viper.SetDefault("memory.dir", exho.DefaultMemoryDir)
	viper.SetDefault("memory.database_type", exho.DefaultDatabaseType)
	viper.SetDefault("memory.database", exho.DefaultDatabase)
	viper.SetDefault(
		"memory.database_log_level",
		exho.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault(
		"memory.database_slow_threshold",
		exho.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault("memory.redis_key_prefix", exho.DefaultRedisKeyPrefix)

	viper.SetDefault("redis.url", "")

	viper.SetDefault("queue.size", exho.DefaultQueueSize)
	viper.SetDefault("queue.interval", exho.DefaultQueueInterval)

	// Text model
	viper.SetDefault("chat.token", "")
	viper.SetDefault("chat.base_url", exho.DefaultChatBaseURL)
	viper.SetDefault("chat.model", exho.DefaultChatModel)
	viper.SetDefault("chat.log_level", exho.DefaultChatLogLevel.String())
	viper.SetDefault("chat.max_attempts", exho.DefaultChatMaxAttempts)
	viper.SetDefault("chat.timeout", exho.DefaultChatTimeout)
	viper.SetDefault("chat.temperature", exho.DefaultChatTemperature)
	viper.SetDefault("chat.top_p", exho.DefaultChatTopP)
	viper.SetDefault("chat.max_tokens", exho.DefaultChatMaxTokens)
	viper.SetDefault("chat.persona_name", exho.DefaultPersonaName)
	viper.SetDefault(
		"chat.fallback_error_reply",
		exho.DefaultFallbackErrorReply,
	)
	viper.SetDefault(
		"chat.fallback_empty_reply",
		exho.DefaultFallbackEmptyReply,
	)

	// Web search
	viper.SetDefault("search.api_key", "")
	viper.SetDefault("search.engine_id", "")
	viper.SetDefault("search.endpoint", exho.DefaultSearchEndpoint)
	viper.SetDefault("search.result_count", exho.DefaultSearchResultCount)
	viper.SetDefault("search.timeout", exho.DefaultSearchTimeout)

	// Image description
	viper.SetDefault("vision.token", "")
	viper.SetDefault("vision.base_url", exho.DefaultVisionBaseURL)
	viper.SetDefault("vision.model", exho.DefaultVisionModel)
	viper.SetDefault("vision.timeout", exho.DefaultVisionTimeout)
	viper.SetDefault("vision.prompt", exho.DefaultVisionPrompt)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", exho.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		exho.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		exho.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.prefix", exho.DefaultDiscordPrefix)
	viper.SetDefault("discord.cooldown_window", exho.DefaultCooldownWindow)
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault("discord.status_interval", exho.DefaultStatusInterval)
	viper.SetDefault("discord.statuses", exho.DefaultDiscordStatuses)
	viper.SetDefault("discord.quote_file", exho.DefaultQuoteFile)
	viper.SetDefault("discord.quote_pattern", exho.DefaultQuotePattern)
	viper.SetDefault("discord.thinking_message", exho.DefaultThinkingMessage)
	viper.SetDefault("discord.error_message", exho.DefaultDiscordErrorMessage)

	// Status API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", exho.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", exho.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", exho.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		exho.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", exho.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", exho.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", exho.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", exho.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", exho.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", false)
	viper.SetDefault("api.cors.max_age", exho.DefaultCORSMaxAge)
}

func initConfig() {
	// overrides from viper.Set survive between executions otherwise
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(exho.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = exho.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for key, envName := range legacyEnv {
		if err := viper.BindEnv(key, envName); err != nil {
			log.Fatalf("error binding %s: %v", envName, err)
		}
	}

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
	viper.Set("discord.statuses", splitStatuses(viper.Get("discord.statuses")))

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func splitStatuses(v any) []string {
	s, ok := v.(string)
	if !ok {
		return viper.GetStringSlice("discord.statuses")
	}
	var statuses []string
	for _, status := range strings.Split(s, statusSeparator) {
		if status = strings.TrimSpace(status); status != "" {
			statuses = append(statuses, status)
		}
	}
	return statuses
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
		"Env file to load before reading the environment",
	)
}
