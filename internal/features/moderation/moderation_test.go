package moderation

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestRules_Check(t *testing.T) {
	rules := NewRules([]string{"Scam.com", " malicious.net ", ""}, "orders", "support")

	tests := []struct {
		name    string
		channel string
		content string
		want    Verdict
	}{
		{"plain text", "general", "hello there", VerdictAllow},
		{"invite gg", "general", "join discord.gg/abc123 now", VerdictInviteLink},
		{"invite invite path", "general", "https://discord.com/invite/Xyz-9", VerdictInviteLink},
		{"invite uppercase", "general", "DISCORD.GG/ABC", VerdictInviteLink},
		{"bare domain is fine", "general", "discord.gg is a domain", VerdictAllow},
		{"scam domain", "general", "free nitro at SCAM.COM/gift", VerdictScamDomain},
		{"scam beats channel", "orders", "malicious.net", VerdictScamDomain},
		{"invite beats scam", "general", "discord.gg/x scam.com", VerdictInviteLink},
		{"order channel", "orders", "i want to buy", VerdictProtectedChannel},
		{"support channel", "support", "help", VerdictProtectedChannel},
		{"empty channel id not protected", "", "hi", VerdictAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.Check(tt.channel, tt.content))
		})
	}
}

type call struct {
	Action string
	Target string
	Extra  string
}

type fakeActions struct {
	calls   []call
	banErr  error
	delErr  error
	dmError error
}

func (f *fakeActions) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.calls = append(f.calls, call{"delete", channelID, messageID})
	return f.delErr
}

func (f *fakeActions) Ban(_ context.Context, guildID, userID, reason string) error {
	f.calls = append(f.calls, call{"ban", userID, reason})
	return f.banErr
}

func (f *fakeActions) DirectMessage(_ context.Context, userID, content string) error {
	f.calls = append(f.calls, call{"dm", userID, content})
	return f.dmError
}

func message(channel, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: channel,
		Content:   content,
		Author:    &discordgo.User{ID: "u1"},
	}
}

func newService(actions Actions) *Service {
	return NewService(NewRules([]string{"scam.com"}, "orders"), actions, "guild")
}

func TestService_InviteLinkBans(t *testing.T) {
	actions := &fakeActions{}
	v := newService(actions).HandleMessage(context.Background(), message("general", "discord.gg/abc"))

	assert.Equal(t, VerdictInviteLink, v)
	assert.Equal(t, []call{{"ban", "u1", reasonInviteLink}}, actions.calls)
}

func TestService_ScamDeletesAndBans(t *testing.T) {
	actions := &fakeActions{}
	v := newService(actions).HandleMessage(context.Background(), message("general", "visit scam.com"))

	assert.Equal(t, VerdictScamDomain, v)
	assert.Equal(t, []call{
		{"delete", "general", "m1"},
		{"ban", "u1", reasonScamDomain},
	}, actions.calls)
}

func TestService_ProtectedChannelDeletesAndDMs(t *testing.T) {
	actions := &fakeActions{}
	v := newService(actions).HandleMessage(context.Background(), message("orders", "price?"))

	assert.Equal(t, VerdictProtectedChannel, v)
	assert.Equal(t, []call{
		{"delete", "orders", "m1"},
		{"dm", "u1", "Please contact staff for orders and support."},
	}, actions.calls)
}

func TestService_PermissionErrorsAreSkipped(t *testing.T) {
	forbidden := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingPermissions, Message: "Missing Permissions"},
	}
	actions := &fakeActions{delErr: forbidden, banErr: fmt.Errorf("ban: %w", forbidden)}

	var v Verdict
	assert.NotPanics(t, func() {
		v = newService(actions).HandleMessage(context.Background(), message("general", "scam.com"))
	})
	assert.Equal(t, VerdictScamDomain, v)
	// Бан всё равно пробуем, даже если удаление не прошло
	assert.Len(t, actions.calls, 2)
}

func TestService_IgnoresBotsAndCleanMessages(t *testing.T) {
	actions := &fakeActions{}
	svc := newService(actions)

	bot := message("orders", "discord.gg/abc")
	bot.Author.Bot = true
	assert.Equal(t, VerdictAllow, svc.HandleMessage(context.Background(), bot))
	assert.Equal(t, VerdictAllow, svc.HandleMessage(context.Background(), message("general", "gm")))
	assert.Empty(t, actions.calls)
}
