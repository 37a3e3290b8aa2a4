package exho

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestDiscord_GatewayHandlers(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord, nil)
	assert.Equal(t, cfg.Discord.ApplicationID, d.BotUserID())

	d.handlerReady()(
		nil, &discordgo.Ready{
			SessionID: "abc",
			User:      &discordgo.User{ID: "1234", Username: "Exho"},
			Guilds:    []*discordgo.Guild{{ID: "g1"}, {ID: "g2"}},
		},
	)
	assert.Equal(t, "1234", d.BotUserID())
	assert.Equal(t, 2, d.GuildCount())

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.EqualValues(t, 1, d.metricConnects.Load())
	assert.EqualValues(t, 1, d.metricDisconnects.Load())

	d.handlerGuildCreate()(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g3"}})
	d.handlerGuildCreate()(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g1"}})
	assert.Equal(t, 3, d.GuildCount())

	// outages don't count as leaving
	d.handlerGuildDelete()(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1", Unavailable: true}})
	assert.Equal(t, 3, d.GuildCount())
	d.handlerGuildDelete()(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1"}})
	assert.Equal(t, 2, d.GuildCount())
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.GuildID = "g1"
	d := newDiscord(cfg.Discord, nil)
	session := newMockDiscordSession(t)
	d.session = session

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, DiscordSlashCommandStatus, created[0].Name)
	assert.Equal(t, DiscordSlashCommandMemory, created[1].Name)
	for _, c := range created {
		assert.Equal(t, cfg.Discord.ApplicationID, c.ApplicationID)
		assert.Equal(t, "g1", c.GuildID)
		assert.NotEmpty(t, c.Description)
	}

	// falls back to the bot user ID
	cfg.Discord.ApplicationID = ""
	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "555"}})
	created, err = d.registerCommands()
	require.NoError(t, err)
	assert.Equal(t, "555", created[0].ApplicationID)
}

func TestDiscord_RotatePresence(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Statuses = []string{"v{version} in {guilds} servers"}
	d := newDiscord(cfg.Discord, nil)
	session := newMockDiscordSession(t)
	d.session = session
	d.handlerReady()(nil, &discordgo.Ready{Guilds: []*discordgo.Guild{{ID: "g1"}, {ID: "g2"}}})

	d.rotatePresence("1.2.3")
	assert.Equal(t, []string{"v1.2.3 in 2 servers"}, session.statuses)

	cfg.Discord.Statuses = nil
	d.rotatePresence("1.2.3")
	assert.Len(t, session.statuses, 1)
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "當前版本：1.0", statusText("當前版本：{version}", "1.0", 3))
	assert.Equal(t, "正在服務 3 個伺服器!", statusText("正在服務 {guilds} 個伺服器!", "1.0", 3))
	assert.Equal(t, "《 Exho 》", statusText("《 Exho 》", "1.0", 3))
}

func TestMessageMentionsUser(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{
		Content:  "1000",
		Mentions: []*discordgo.User{nil, {ID: "2000"}},
	}
	assert.False(t, messageMentionsUser(m, "1000"))
	assert.True(t, messageMentionsUser(m, "2000"))
	assert.False(t, messageMentionsUser(m, ""))
	assert.False(t, messageMentionsUser(nil, "2000"))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "1"}},
	}
	assert.Equal(t, "1", getDiscordUser(dm).ID)

	guild := testInteraction(DiscordSlashCommandStatus)
	assert.Equal(t, testUserID, getDiscordUser(guild).ID)

	empty := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(empty))
}
