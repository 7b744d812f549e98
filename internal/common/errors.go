// Package common — errors.go определяет ошибки, которые используются
// во всех модулях бота. Обработчики различают по ним типы проблем
// (валидация, кулдаун, сеть, хранилище, права) через errors.Is.
package common

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Ошибки валидации воуча
var (
	// ErrNoImage — в сообщении нет вложения с image/* типом
	ErrNoImage = errors.New("в сообщении нет изображения")
	// ErrOnCooldown — пользователь ещё на кулдауне
	ErrOnCooldown = errors.New("кулдаун воуча ещё не прошёл")
)

// Ошибки обработки изображения
var (
	// ErrFetchFailed — все стратегии загрузки вложения провалились
	ErrFetchFailed = errors.New("не удалось скачать изображение")
	// ErrDecodeFailed — байты не декодируются как изображение
	ErrDecodeFailed = errors.New("не удалось декодировать изображение")
	// ErrEmptyImage — нулевая ширина или высота
	ErrEmptyImage = errors.New("пустое изображение")
	// ErrWatermark — ассет водяного знака недоступен
	ErrWatermark = errors.New("водяной знак недоступен")
)

// Ошибки леджера
var (
	// ErrStorageWrite — запись документа в хранилище не удалась, изменение откатено
	ErrStorageWrite = errors.New("ошибка записи в хранилище")
	// ErrInvalidAmount — некорректное количество очков (ноль или отрицательное)
	ErrInvalidAmount = errors.New("количество очков должно быть положительным")
	// ErrInvalidUserID — пустой или зарезервированный ID пользователя
	ErrInvalidUserID = errors.New("некорректный ID пользователя")
	// ErrUnknownMetric — лидерборд по неизвестной метрике
	ErrUnknownMetric = errors.New("неизвестная метрика лидерборда")
)

// ErrMissingPermissions — у бота нет прав на действие в Discord
var ErrMissingPermissions = errors.New("у бота нет прав на это действие")

// IsPermissionError проверяет, что Discord отказал из-за прав
// (HTTP 403 или JSON-код 50013 Missing Permissions).
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingPermissions) {
		return true
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeMissingPermissions {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden
}
