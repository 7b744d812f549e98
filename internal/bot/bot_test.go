package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/vouch-bot/internal/bot/filters"
	"serotonyl.ru/vouch-bot/internal/config"
	"serotonyl.ru/vouch-bot/internal/features/invites"
	"serotonyl.ru/vouch-bot/internal/features/ledger"
	"serotonyl.ru/vouch-bot/internal/features/moderation"
	"serotonyl.ru/vouch-bot/internal/features/verification"
	"serotonyl.ru/vouch-bot/internal/features/vouch"
)

const (
	testGuild   = "g1"
	testVouch   = "c-vouch"
	testOrder   = "c-order"
	testSupport = "c-support"
	testAdmin   = "r-admin"
)

// fakePlatform записывает все исходящие действия.
type fakePlatform struct {
	mu      sync.Mutex
	calls   []string
	invites []*discordgo.Invite
	embeds  []*discordgo.MessageEmbed
}

func (p *fakePlatform) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *fakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlatform) DeleteMessage(_ context.Context, ch, id string) error {
	p.record("delete %s/%s", ch, id)
	return nil
}

func (p *fakePlatform) PublishImage(_ context.Context, ch, _, filename string, _ []byte) error {
	p.record("image %s %s", ch, filename)
	return nil
}

func (p *fakePlatform) PublishText(_ context.Context, ch, _ string) error {
	p.record("text %s", ch)
	return nil
}

func (p *fakePlatform) Notice(_ context.Context, ch, content string) error {
	p.record("notice %s %s", ch, content)
	return nil
}

func (p *fakePlatform) Ban(_ context.Context, guildID, userID, reason string) error {
	p.record("ban %s %s", userID, reason)
	return nil
}

func (p *fakePlatform) DirectMessage(_ context.Context, userID, _ string) error {
	p.record("dm %s", userID)
	return nil
}

func (p *fakePlatform) GuildInvites(context.Context, string) ([]*discordgo.Invite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invites, nil
}

func (p *fakePlatform) SendEmbed(_ context.Context, ch string, e *discordgo.MessageEmbed) error {
	p.mu.Lock()
	p.embeds = append(p.embeds, e)
	p.mu.Unlock()
	p.record("embed %s %s", ch, e.Title)
	return nil
}

func (p *fakePlatform) AddRole(_ context.Context, _, userID, roleID, _ string) error {
	p.record("add-role %s %s", userID, roleID)
	return nil
}

func (p *fakePlatform) RemoveRole(_ context.Context, _, userID, roleID, _ string) error {
	p.record("remove-role %s %s", userID, roleID)
	return nil
}

func (p *fakePlatform) DirectEmbed(_ context.Context, userID string, _ *discordgo.MessageEmbed) error {
	p.record("dm-embed %s", userID)
	return nil
}

func (p *fakePlatform) GuildMembers(context.Context, string) ([]*discordgo.Member, error) {
	return nil, nil
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, vouch.Attachment) ([]byte, error) {
	return nil, errors.New("cdn down")
}

type unusedOptimizer struct{}

func (unusedOptimizer) Optimize(context.Context, []byte, int) (*vouch.Result, error) {
	return nil, errors.New("не должен вызываться")
}

type testBot struct {
	bot      *Bot
	platform *fakePlatform
	ledger   *ledger.Ledger
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()

	cfg := &config.Config{
		GuildID:                testGuild,
		VouchChannelID:         testVouch,
		SupportChannelID:       testSupport,
		OrderChannelIDs:        []string{testOrder},
		AdminRoleID:            testAdmin,
		VerifiedRoleID:         "r-verified",
		MutedRoleID:            "r-muted",
		InviteTrackerChannelID: "c-tracker",
		BotMaxInflight:         4,
		RateLimitRequests:      5,
		RateLimitWindow:        time.Minute,
	}

	l, err := ledger.New(context.Background(), ledger.NewMemoryStore(), 5*time.Hour)
	require.NoError(t, err)

	p := &fakePlatform{}
	filter := filters.NewChannelFilter(cfg.GuildID, cfg.VouchChannelID, cfg.SupportChannelID, cfg.OrderChannelIDs)
	workflow := vouch.NewWorkflow(l, failingFetcher{}, unusedOptimizer{}, p, vouch.Settings{PointsPerVouch: 1, MaxImageBytes: 1 << 20})
	tracker := invites.NewTracker(p, l, p, cfg.GuildID, cfg.InviteTrackerChannelID)
	verify := verification.NewService(p, p, cfg.GuildID, cfg.VerifiedRoleID, cfg.MutedRoleID)

	b := New(nil, cfg, filter, Handlers{
		Vouch:        vouch.NewHandler(workflow, cfg.AdminRoleID),
		Moderation:   moderation.NewService(moderation.NewRules([]string{"scam.com"}, filter.ProtectedChannels()...), p, cfg.GuildID),
		Invites:      invites.NewHandler(tracker, cfg.GuildID),
		Tracker:      tracker,
		Verification: verification.NewHandler(verify, cfg.GuildID),
		Commands:     NewCommands(l, nil, p, verify, cfg.InviteTrackerChannelID),
	})
	t.Cleanup(b.rateLimiter.Close)

	return &testBot{bot: b, platform: p, ledger: l}
}

func message(channelID, content string, attachments ...*discordgo.MessageAttachment) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:          "m1",
		GuildID:     testGuild,
		ChannelID:   channelID,
		Content:     content,
		Author:      &discordgo.User{ID: "u1", Username: "alice"},
		Attachments: attachments,
	}}
}

func pngAttachment() *discordgo.MessageAttachment {
	return &discordgo.MessageAttachment{
		ID: "a1", Filename: "proof.png", ContentType: "image/png",
		URL: "https://cdn.example/proof.png", Size: 2048,
	}
}

func TestDispatch_VouchFallbackAwardsPoints(t *testing.T) {
	tb := newTestBot(t)

	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", message(testVouch, "great seller", pngAttachment()))

	assert.Equal(t, int64(1), tb.ledger.Points("u1"))
	calls := tb.platform.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "delete c-vouch/m1", calls[0])
	assert.Equal(t, "text c-vouch", calls[1])
	assert.Contains(t, calls[2], "You now have 1 point(s)")
}

func TestDispatch_InviteLinkInVouchChannelBansAndSkipsVouch(t *testing.T) {
	tb := newTestBot(t)

	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE",
		message(testVouch, "join discord.gg/abc123", pngAttachment()))

	assert.Equal(t, []string{"ban u1 Posted Discord invite link"}, tb.platform.Calls())
	assert.Zero(t, tb.ledger.Points("u1"))
}

func TestDispatch_ProtectedChannel(t *testing.T) {
	tb := newTestBot(t)

	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", message(testOrder, "where is my order"))

	assert.Equal(t, []string{"delete c-order/m1", "dm u1"}, tb.platform.Calls())
}

func TestDispatch_IgnoresForeignGuildAndBots(t *testing.T) {
	tb := newTestBot(t)

	foreign := message(testVouch, "hi", pngAttachment())
	foreign.GuildID = "other"
	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", foreign)

	bot := message(testVouch, "hi", pngAttachment())
	bot.Author.Bot = true
	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", bot)

	assert.Empty(t, tb.platform.Calls())
	assert.Zero(t, tb.ledger.Points("u1"))
}

func TestDispatch_OtherChannelUntouched(t *testing.T) {
	tb := newTestBot(t)

	tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", message("c-general", "hello"))

	assert.Empty(t, tb.platform.Calls())
}

func TestDispatch_MemberAdd(t *testing.T) {
	tb := newTestBot(t)
	tb.platform.invites = []*discordgo.Invite{{Code: "abc", Uses: 1, Inviter: &discordgo.User{ID: "inviter"}}}
	require.NoError(t, tb.bot.handlers.Tracker.Refresh(context.Background()))
	tb.platform.invites = []*discordgo.Invite{{Code: "abc", Uses: 2, Inviter: &discordgo.User{ID: "inviter"}}}

	tb.bot.dispatch(context.Background(), "GUILD_MEMBER_ADD", &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: "newbie"},
	}})

	calls := tb.platform.Calls()
	assert.Contains(t, calls, "add-role newbie r-muted")
	assert.Contains(t, calls, "dm-embed newbie")
	assert.Contains(t, calls, "embed c-tracker 🎉 New Member Joined!")
	assert.Equal(t, int64(1), tb.ledger.InviteCount("inviter"))
}

func TestDispatch_InviteCacheEvents(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()

	tb.bot.dispatch(ctx, "INVITE_CREATE", &discordgo.InviteCreate{Invite: &discordgo.Invite{
		Code: "xyz", Inviter: &discordgo.User{ID: "u2"},
	}, GuildID: testGuild})
	assert.Equal(t, 1, tb.bot.handlers.Tracker.Size())

	tb.bot.dispatch(ctx, "INVITE_DELETE", &discordgo.InviteDelete{Code: "xyz", GuildID: testGuild})
	assert.Equal(t, 0, tb.bot.handlers.Tracker.Size())
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.routes["BOOM"] = func(context.Context, any) { panic("boom") }

	assert.NotPanics(t, func() {
		tb.bot.dispatch(context.Background(), "BOOM", struct{}{})
	})
}

func TestDispatch_UnknownEventAndWrongPayload(t *testing.T) {
	tb := newTestBot(t)

	assert.NotPanics(t, func() {
		tb.bot.dispatch(context.Background(), "TYPING_START", &discordgo.TypingStart{})
		tb.bot.dispatch(context.Background(), "MESSAGE_CREATE", &discordgo.Ready{})
	})
	assert.Empty(t, tb.platform.Calls())
}

func TestIsAdmin(t *testing.T) {
	tb := newTestBot(t)

	assert.True(t, tb.bot.isAdmin(&discordgo.Member{Roles: []string{"x", testAdmin}}))
	assert.False(t, tb.bot.isAdmin(&discordgo.Member{Roles: []string{"x"}}))
	assert.False(t, tb.bot.isAdmin(nil))
}
