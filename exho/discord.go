package exho

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	DiscordSlashCommandStatus = "status"
	DiscordSlashCommandMemory = "memory"

	cooldownReaction = "⏰"

	statusPlaceholderVersion = "{version}"
	statusPlaceholderGuilds  = "{guilds}"
)

// Discord holds the gateway session and tracks connection state, the
// bot's own user ID, and the guilds it's in.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	mu        sync.RWMutex
	botUserID string
	guilds    map[string]struct{}

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		botUserID:                   config.ApplicationID,
		guilds:                      map[string]struct{}{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates the discordgo session for the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, as reported on Ready, or the
// configured application ID before then
func (d *Discord) BotUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.botUserID
}

// GuildCount returns the number of guilds the bot is in
func (d *Discord) GuildCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.guilds)
}

func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.mu.Lock()
		if r.User != nil {
			d.botUserID = r.User.ID
		}
		for _, g := range r.Guilds {
			d.guilds[g.ID] = struct{}{}
		}
		guildCount := len(d.guilds)
		d.mu.Unlock()

		attrs := []any{"session_id", r.SessionID, "guilds", guildCount}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", "id", r.User.ID, "username", r.User.Username))
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) handlerGuildCreate() func(s *discordgo.Session, g *discordgo.GuildCreate) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.mu.Lock()
		d.guilds[g.ID] = struct{}{}
		n := len(d.guilds)
		d.mu.Unlock()
		d.logger.Debug("guild available", "guild_id", g.ID, "name", g.Name, "guilds", n)
	}
}

func (d *Discord) handlerGuildDelete() func(s *discordgo.Session, g *discordgo.GuildDelete) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil || g.Unavailable {
			// outages also send GuildDelete, with Unavailable set
			return
		}
		d.mu.Lock()
		delete(d.guilds, g.ID)
		n := len(d.guilds)
		d.mu.Unlock()
		d.logger.Info("removed from guild", "guild_id", g.ID, "guilds", n)
	}
}

// addHandlers registers the gateway handlers that maintain Discord's
// own state
func (d *Discord) addHandlers() {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerGuildCreate()),
		d.session.AddHandler(d.handlerGuildDelete()),
	)
}

func (d *Discord) removeHandlers() {
	for _, f := range d.discordgoRemoveHandlerFuncs {
		f()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

// statusText expands the presence placeholders in s
func statusText(s, version string, guilds int) string {
	return strings.NewReplacer(
		statusPlaceholderVersion, version,
		statusPlaceholderGuilds, strconv.Itoa(guilds),
	).Replace(s)
}

// rotatePresence sets a random presence message from the configured
// statuses
func (d *Discord) rotatePresence(version string) {
	if len(d.config.Statuses) == 0 {
		return
	}
	s := d.config.Statuses[rand.Intn(len(d.config.Statuses))]
	text := statusText(s, version, d.GuildCount())
	if err := d.session.UpdateGameStatus(0, text); err != nil {
		d.logger.Warn("unable to update presence", "status", text, tint.Err(err))
		return
	}
	d.logger.Debug("updated presence", "status", text)
}

func appCommandStatus() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStatus,
		Description: "顯示機器人狀態",
		Type:        discordgo.ChatApplicationCommand,
	}
}

func appCommandMemory() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandMemory,
		Description: "查看我記得多少我們的對話",
		Type:        discordgo.ChatApplicationCommand,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandStatus(),
		appCommandMemory(),
	}
	appID := d.config.ApplicationID
	if appID == "" {
		appID = d.BotUserID()
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so it can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator for a few seconds
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// UpdateGameStatus sets the bot's 'Playing' presence
	UpdateGameStatus(idle int, name string) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error(
			"error sending reply",
			"channel_id", channelID,
			"message_reference", reference,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) UpdateGameStatus(idle int, name string) error {
	return d.session.UpdateGameStatus(idle, name)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @ (not whether the ID appears in the content).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
