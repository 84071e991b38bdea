package domain

import "time"

// Session — аутентифицированный удаленный пир, подключенный к Relay.
// Создается только после успешного рукопожатия; уничтожается при
// разрыве соединения, явном закрытии или по idle-таймауту.
type Session struct {
	ClientID      string    `json:"client_id"`
	Topic         string    `json:"topic"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Authenticated bool      `json:"authenticated"`
}
