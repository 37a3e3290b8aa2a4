package exho

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultTypingInterval = 4 * time.Second
	defaultChunkDelay     = 800 * time.Millisecond

	logChannelContentLimit = 500
)

var (
	mentionPattern = regexp.MustCompile(`<@!?\d+>`)

	// replyAllowedMentions lets a reply ping the user being replied to,
	// and nobody else
	replyAllowedMentions = &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{},
		RepliedUser: true,
	}
)

// messageGate decides whether the bot should answer m, and if so,
// returns the message content with mentions stripped.
// repliedToBot is only called when m doesn't mention the bot.
func messageGate(
	m *discordgo.Message,
	botUserID string,
	prefix string,
	repliedToBot func() bool,
) (string, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botUserID {
		return "", false
	}
	if prefix != "" && strings.HasPrefix(m.Content, prefix) {
		return "", false
	}
	if !messageMentionsUser(m, botUserID) && (repliedToBot == nil || !repliedToBot()) {
		return "", false
	}
	if m.MentionEveryone {
		return "", false
	}

	content := strings.TrimSpace(mentionPattern.ReplaceAllString(m.Content, ""))
	if content == "" && len(m.Attachments) == 0 {
		return "", false
	}
	if content == "@everyone" || content == "@here" {
		return "", false
	}
	return content, true
}

// imageAttachmentURLs returns the URLs of m's image attachments
func imageAttachmentURLs(m *discordgo.Message) []string {
	var urls []string
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(a.ContentType), "image/") {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

// isReplyToBot reports whether m is a reply to one of the bot's own
// messages. The referenced message is fetched if the gateway didn't
// include it.
func (e *Exho) isReplyToBot(ctx context.Context, m *discordgo.Message, botUserID string) bool {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return false
	}
	referenced := m.ReferencedMessage
	if referenced == nil {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		msg, err := e.discord.session.ChannelMessage(channelID, ref.MessageID)
		if err != nil {
			contextLoggerOr(ctx, e.logger).WarnContext(
				ctx,
				"unable to fetch referenced message",
				"message_id", ref.MessageID,
				tint.Err(err),
			)
			return false
		}
		referenced = msg
	}
	return referenced != nil && referenced.Author != nil && referenced.Author.ID == botUserID
}

// handleMessage answers a single incoming message, if it passes the gate
func (e *Exho) handleMessage(ctx context.Context, m *discordgo.Message) {
	var thinking *discordgo.Message
	stopTyping := func() {}
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			stopTyping()
			if thinking != nil {
				e.deleteThinking(ctx, m.ChannelID, thinking.ID)
			}
			if m != nil {
				e.sendErrorNotice(ctx, m.ChannelID)
			}
		}
	}()

	botUserID := e.discord.BotUserID()
	content, ok := messageGate(
		m,
		botUserID,
		e.config.Discord.Prefix,
		func() bool { return e.isReplyToBot(ctx, m, botUserID) },
	)
	if !ok {
		return
	}

	logger := contextLoggerOr(ctx, e.logger).With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	images := imageAttachmentURLs(m)
	if content == "" && len(images) == 0 {
		logger.DebugContext(ctx, "ignoring message with only non-image attachments")
		return
	}

	if !e.cooldown.Allow(ctx, m.Author.ID) {
		logger.InfoContext(ctx, "user in cooldown")
		if err := e.discord.session.MessageReactionAdd(m.ChannelID, m.ID, cooldownReaction); err != nil {
			logger.WarnContext(ctx, "unable to add cooldown reaction", tint.Err(err))
		}
		return
	}
	e.messagesHandled.Add(1)

	sentThinking, err := e.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		e.config.Discord.ThinkingMessage,
		m.Reference(),
	)
	if err != nil {
		logger.ErrorContext(ctx, "unable to send thinking message", tint.Err(err))
		e.sendErrorNotice(ctx, m.ChannelID)
		return
	}
	thinking = sentThinking

	stopTyping = e.startTyping(ctx, m.ChannelID)

	var reply string
	if len(images) == 0 && e.quotePattern != nil && e.quotePattern.MatchString(content) {
		reply = e.quotes.Reply()
	} else {
		reply = e.chat.Chat(
			ctx,
			ChatRequest{
				UserID:  m.Author.ID,
				Content: content,
				Images:  images,
			},
		)
	}

	stopTyping()
	if thinking != nil {
		e.deleteThinking(ctx, m.ChannelID, thinking.ID)
		thinking = nil
	}

	if err = e.sendReply(ctx, m, reply); err != nil {
		logger.ErrorContext(ctx, "unable to send reply", tint.Err(err))
		e.sendErrorNotice(ctx, m.ChannelID)
	}

	e.logToChannel(ctx, m, content, reply)
}

// startTyping shows the typing indicator in channelID until the
// returned function is called
func (e *Exho) startTyping(ctx context.Context, channelID string) func() {
	logger := contextLoggerOr(ctx, e.logger)
	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.typingInterval)
		defer ticker.Stop()
		for {
			if err := e.discord.session.ChannelTyping(channelID); err != nil {
				logger.DebugContext(ctx, "unable to send typing indicator", tint.Err(err))
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				close(stop)
				wg.Wait()
			},
		)
	}
}

// sendReply sends reply in chunks. The first chunk replies to m, the
// rest are sent to the channel, paced by chunkDelay.
func (e *Exho) sendReply(ctx context.Context, m *discordgo.Message, reply string) error {
	chunks := splitMessage(reply, discordReplyChunkSize)
	if len(chunks) == 0 {
		return fmt.Errorf("empty reply")
	}

	for i, chunk := range chunks {
		data := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: replyAllowedMentions,
		}
		if i == 0 {
			data.Reference = m.Reference()
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.chunkDelay):
			}
		}
		if _, err := e.discord.session.ChannelMessageSendComplex(m.ChannelID, data); err != nil {
			return fmt.Errorf("error sending chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (e *Exho) deleteThinking(ctx context.Context, channelID, messageID string) {
	if err := e.discord.session.ChannelMessageDelete(channelID, messageID); err != nil {
		contextLoggerOr(ctx, e.logger).WarnContext(ctx, "unable to delete thinking message", tint.Err(err))
	}
}

func (e *Exho) sendErrorNotice(ctx context.Context, channelID string) {
	if _, err := e.discord.session.ChannelMessageSend(
		channelID,
		e.config.Discord.ErrorMessage,
	); err != nil {
		contextLoggerOr(ctx, e.logger).ErrorContext(ctx, "unable to send error notice", tint.Err(err))
	}
}

// logToChannel posts a one-line summary of an answered message to the
// configured log channel
func (e *Exho) logToChannel(ctx context.Context, m *discordgo.Message, content, reply string) {
	channelID := e.config.Discord.LogChannelID
	if channelID == "" {
		return
	}
	shown := truncate(content, logChannelContentLimit)
	if shown == "" {
		shown = "（附件）"
	}
	line := fmt.Sprintf(
		"%s (%s) 在 <#%s>：%s → 回覆 %d 字",
		m.Author.Username,
		m.Author.ID,
		m.ChannelID,
		shown,
		len([]rune(reply)),
	)
	if _, err := e.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:         truncate(line, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		},
	); err != nil {
		contextLoggerOr(ctx, e.logger).WarnContext(ctx, "unable to send to log channel", tint.Err(err))
	}
}
