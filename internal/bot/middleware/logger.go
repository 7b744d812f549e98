// Package middleware — обвязка обработчиков событий: логирование,
// восстановление после паники и rate-limiting команд.
package middleware

import (
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

const maxLoggedText = 50

// LogMessage логирует входящее сообщение: автор, канал, вложения
// и первые 50 символов текста.
func LogMessage(m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}

	log.WithFields(log.Fields{
		"user_id":     m.Author.ID,
		"username":    m.Author.Username,
		"channel_id":  m.ChannelID,
		"attachments": len(m.Attachments),
		"text":        truncate(m.Content, maxLoggedText),
	}).Debug("Входящее сообщение")
}

// LogInteraction логирует слэш-команду.
func LogInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	fields := log.Fields{
		"command":    i.ApplicationCommandData().Name,
		"channel_id": i.ChannelID,
	}
	if u := InteractionUser(i); u != nil {
		fields["user_id"] = u.ID
		fields["username"] = u.Username
	}
	log.WithFields(fields).Debug("Слэш-команда")
}

// InteractionUser — автор взаимодействия (в гильдии он лежит в Member).
func InteractionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
