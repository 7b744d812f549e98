// Package ledger — персистентный леджер бота: очки за воучи, инвайты,
// связи «кто кого пригласил» и кулдауны воучей.
// models.go описывает документы хранилища и записи лидерборда.
package ledger

import "time"

// Document — имя одного из трёх независимых документов хранилища.
type Document string

const (
	DocPoints    Document = "points"    // user_id → очки
	DocInvites   Document = "invites"   // inviter_id → число инвайтов + relationships
	DocCooldowns Document = "cooldowns" // user_id → время последнего воуча
)

// Documents — все документы в порядке загрузки.
var Documents = []Document{DocPoints, DocInvites, DocCooldowns}

// RelationshipsKey — зарезервированный ключ документа invites
// (invitee → inviter). В подсчётах и лидербордах не участвует.
const RelationshipsKey = "relationships"

// Metric — метрика лидерборда.
type Metric string

const (
	MetricPoints  Metric = "points"
	MetricInvites Metric = "invites"
)

// Entry — строка лидерборда.
type Entry struct {
	UserID string
	Value  int64
}

// Account — срез состояния пользователя (для команд и логов).
type Account struct {
	UserID      string
	Points      int64
	LastVouchAt *time.Time // nil — ещё не воучил
}
