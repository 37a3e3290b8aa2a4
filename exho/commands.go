package exho

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
)

// handleInteraction responds to the bot's slash commands
func (e *Exho) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	logger := contextLoggerOr(ctx, e.logger).With(interactionLogAttrs(*i)...)
	ctx = WithLogger(ctx, logger)

	data := i.ApplicationCommandData()
	var content string
	switch data.Name {
	case DiscordSlashCommandStatus:
		content = e.statusSnapshot(ctx).text()
	case DiscordSlashCommandMemory:
		u := getDiscordUser(i)
		if u == nil {
			logger.WarnContext(ctx, "no user found for interaction")
			return
		}
		content = e.memoryText(ctx, u.ID)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		return
	}
	e.commandsHandled.Add(1)

	err := e.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error responding to command", "command", data.Name, tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "responded to command", "command", data.Name)
}

func (e *Exho) memoryText(ctx context.Context, userID string) string {
	turns := len(e.store.Load(ctx, userID))
	if turns == 0 {
		return "我們還沒有聊過天，快來找我聊聊吧！"
	}
	return fmt.Sprintf(
		"我目前記得我們最近的 %d 則對話（最多保留 %d 則）。",
		turns,
		historyCap(e.config.Memory.Limit),
	)
}

// text renders the snapshot for the /status command
func (s statusSnapshot) text() string {
	connected := "否"
	if s.DiscordGatewayConnected {
		connected = "是"
	}
	lines := []string{
		"版本：" + s.Version,
		"運行時間：" + s.Uptime,
		fmt.Sprintf("伺服器數量：%d", s.Guilds),
		fmt.Sprintf("排隊中的請求：%d", s.QueueSize),
		fmt.Sprintf("已記憶的使用者：%d", s.StoredHistories),
		fmt.Sprintf("已處理訊息：%d", s.MessagesHandled),
		"文字模型：" + s.TextModel,
		"已連線：" + connected,
	}
	return strings.Join(lines, "\n")
}

func (e *Exho) statusSnapshot(ctx context.Context) statusSnapshot {
	uptime := time.Duration(0)
	if !e.startedAt.IsZero() {
		uptime = time.Since(e.startedAt).Truncate(time.Second)
	}
	return statusSnapshot{
		Version:                 e.version(),
		Uptime:                  uptime.String(),
		UptimeSeconds:           int64(uptime.Seconds()),
		QueueSize:               e.queue.Len(),
		QueueDispatched:         e.queue.Dispatched(),
		StoredHistories:         e.store.Users(ctx),
		MessagesHandled:         e.messagesHandled.Load(),
		CommandsHandled:         e.commandsHandled.Load(),
		Guilds:                  e.discord.GuildCount(),
		TextModel:               e.config.Chat.Model,
		DiscordGatewayConnected: e.discord.Connected(),
	}
}
