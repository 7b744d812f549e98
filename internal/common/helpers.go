// Package common содержит общие утилиты, используемые во всём проекте:
// склонение «point/points», форматирование длительностей и лидербордов.
package common

import (
	"fmt"
	"strings"
	"time"
)

// PluralizePoints возвращает правильную форму слова «point» для числа n.
//
//	PluralizePoints(1) → "point"
//	PluralizePoints(0) → "points"
//	PluralizePoints(5) → "points"
func PluralizePoints(n int64) string {
	if n == 1 || n == -1 {
		return "point"
	}
	return "points"
}

// PluralizeInvites — то же для «invite».
func PluralizeInvites(n int64) string {
	if n == 1 || n == -1 {
		return "invite"
	}
	return "invites"
}

// FormatPoints форматирует баланс: FormatPoints(3) → "3 points".
func FormatPoints(n int64) string {
	return fmt.Sprintf("%d %s", n, PluralizePoints(n))
}

// FormatCooldown форматирует остаток кулдауна в виде "4h 59m".
// Секунды округляются вверх, чтобы не показывать "0h 0m" за минуту до конца.
func FormatCooldown(d time.Duration) string {
	if d <= 0 {
		return "0h 0m"
	}
	d = d.Round(time.Second)
	if rem := d % time.Minute; rem > 0 {
		d += time.Minute - rem
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// FormatBytes форматирует размер файла: 1536 → "1.5 KB".
func FormatBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := int64(n) / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// Medal возвращает медаль для первых трёх мест и "N." для остальных.
func Medal(place int) string {
	switch place {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return fmt.Sprintf("%d.", place)
	}
}

// RankedLine — одна строка лидерборда.
type RankedLine struct {
	Name  string
	Value int64
}

// FormatLeaderboard собирает текст лидерборда. medals=false даёт
// простую нумерацию "1. name: 3 points" (для коротких топ-5).
func FormatLeaderboard(lines []RankedLine, unit func(int64) string, medals bool) string {
	var sb strings.Builder
	for i, l := range lines {
		prefix := fmt.Sprintf("%d.", i+1)
		if medals {
			prefix = Medal(i + 1)
		}
		fmt.Fprintf(&sb, "%s %s: %d %s\n", prefix, l.Name, l.Value, unit(l.Value))
	}
	return sb.String()
}
