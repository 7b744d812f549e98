// Package moderation — модерация сообщений: бан за инвайт-ссылки на
// чужие серверы и скам-домены, защита каналов заказов и поддержки.
package moderation

import (
	"regexp"
	"strings"
)

// Verdict — решение по сообщению.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictInviteLink
	VerdictScamDomain
	VerdictProtectedChannel
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictInviteLink:
		return "invite_link"
	case VerdictScamDomain:
		return "scam_domain"
	case VerdictProtectedChannel:
		return "protected_channel"
	default:
		return "unknown"
	}
}

var invitePattern = regexp.MustCompile(`(?i)discord(?:\.gg|(?:app)?\.com/invite)/[a-z0-9-]+`)

// Rules — набор правил. Проверки по порядку: инвайт-ссылка,
// скам-домен, защищённый канал.
type Rules struct {
	scamDomains []string
	protected   map[string]bool
}

// NewRules создаёт правила. Домены сравниваются без учёта регистра.
func NewRules(scamDomains []string, protectedChannels ...string) *Rules {
	r := &Rules{protected: make(map[string]bool)}
	for _, d := range scamDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.scamDomains = append(r.scamDomains, d)
		}
	}
	for _, ch := range protectedChannels {
		if ch != "" {
			r.protected[ch] = true
		}
	}
	return r
}

// Check выносит решение по тексту сообщения и каналу.
func (r *Rules) Check(channelID, content string) Verdict {
	if ContainsInviteLink(content) {
		return VerdictInviteLink
	}
	if r.containsScamDomain(content) {
		return VerdictScamDomain
	}
	if r.protected[channelID] {
		return VerdictProtectedChannel
	}
	return VerdictAllow
}

// ContainsInviteLink ищет ссылки вида discord.gg/xxx и discord.com/invite/xxx.
func ContainsInviteLink(content string) bool {
	return invitePattern.MatchString(content)
}

func (r *Rules) containsScamDomain(content string) bool {
	lower := strings.ToLower(content)
	for _, d := range r.scamDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}
