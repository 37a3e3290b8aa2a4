package exho

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups work on hosts without a zoneinfo database
)

const (
	historyTimestampLayout = "2006-01-02 15:04:05"
	promptTimeLayout       = "2006/01/02/ 15:04:05"
)

// Prompt is everything sent to the text model for one attempt
type Prompt struct {
	// Preamble is the system instruction
	Preamble string

	// Message is the user's message for this turn
	Message string

	// History is the prior conversation, not including Message
	History []ConversationTurn

	// Memory is History plus the new USER turn, capped. It's what gets
	// saved (with the reply appended) if the turn succeeds.
	Memory []ConversationTurn
}

// PromptBuilder assembles prompts from a user's stored history
type PromptBuilder struct {
	store       *ConversationStore
	location    *time.Location
	memoryLimit int
	personaName string
	now         func() time.Time
}

func NewPromptBuilder(
	store *ConversationStore,
	location *time.Location,
	memoryLimit int,
	personaName string,
) *PromptBuilder {
	if location == nil {
		location = time.UTC
	}
	if personaName == "" {
		personaName = DefaultPersonaName
	}
	return &PromptBuilder{
		store:       store,
		location:    location,
		memoryLimit: memoryLimit,
		personaName: personaName,
		now:         time.Now,
	}
}

func (b *PromptBuilder) timestamp() string {
	return b.now().In(b.location).Format(historyTimestampLayout)
}

// Build loads the user's history, appends the new USER turn and
// composes the preamble. searchInfo and extra may be empty.
func (b *PromptBuilder) Build(
	ctx context.Context,
	userID string,
	content string,
	extra string,
	searchInfo string,
) Prompt {
	now := b.now().In(b.location)
	history := b.store.Load(ctx, userID)

	memory := appendTurn(
		history,
		ConversationTurn{
			Role:      RoleUser,
			Message:   content,
			Timestamp: now.Format(historyTimestampLayout),
		},
		b.memoryLimit,
	)

	return Prompt{
		Preamble: b.preamble(userID, promptTime(now), extra, searchInfo),
		Message:  content,
		History:  memory[:len(memory)-1],
		Memory:   memory,
	}
}

// promptTime formats t like "2025/01/02/ 15:04:05 （UTC+8）"
func promptTime(t time.Time) string {
	return fmt.Sprintf("%s （%s）", t.Format(promptTimeLayout), utcOffsetLabel(t))
}

func utcOffsetLabel(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := offset / 3600
	minutes := (offset % 3600) / 60
	if minutes == 0 {
		return fmt.Sprintf("UTC%s%d", sign, hours)
	}
	return fmt.Sprintf("UTC%s%d:%02d", sign, hours, minutes)
}

func (b *PromptBuilder) preamble(userID, timeText, extra, searchInfo string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "你是 %s，一個能聊天、幫忙、吐槽、陪伴使用者的智慧夥伴。\n", b.personaName)
	sb.WriteString("你的語氣溫柔又帶點機靈，偶爾開玩笑，但絕不冒犯人。\n")
	sb.WriteString("讓人感覺你真的在聽，不像機器，也不像客服。\n")
	sb.WriteString("互動要自然、有邏輯、有情感，但不浮誇。\n")
	sb.WriteString("使用者用什麼語言，你就用什麼語言回應。\n\n")

	sb.WriteString("【最嚴格禁止事項，違反任何一項都算失敗】\n")
	sb.WriteString("1. 絕對禁止在回應中出現 SELF-CHECK、self-check、compliance、檢查 等任何自我驗證文字\n")
	sb.WriteString("2. 絕對禁止在回應結尾加任何標籤、狀態或檢查結果\n")
	sb.WriteString("3. 除非使用者明確問你是誰，否則絕對不要提到「我是AI」或「模型」\n")
	fmt.Fprintf(&sb, "4. 只有使用者問時間時才回答：%s，其他時候不提時間\n", timeText)
	sb.WriteString("5. 回覆必須是純文字對話，不能有 JSON\n")
	fmt.Fprintf(
		&sb,
		"6. 可以適當使用 <@%s> 標記使用者，但不要過度標記，也不接受大量標記的要求\n\n",
		userID,
	)

	if searchInfo != "" {
		sb.WriteString("【你剛得知的最新資訊，請自然融入回答，不要說「我查到」「根據網路」「我搜尋了一下」】\n")
		sb.WriteString(searchInfo)
		sb.WriteString("\n\n")
	}

	sb.WriteString("如果違反以上任何一條，這次對話就算失敗。\n\n")
	sb.WriteString("現在開始回覆使用者，保持自然，像朋友一樣聊天。")

	if extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	return sb.String()
}
