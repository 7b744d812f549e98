package common

// Цвета embed-сообщений
const (
	ColorSuccess = 0x00ff00
	ColorError   = 0xff0000
	ColorInfo    = 0x0099ff
	ColorWarning = 0xffff00
)
