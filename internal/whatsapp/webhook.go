package whatsapp

import "strings"

// События входящих сообщений.
const (
	EventMessage    = "message"
	EventMessageAny = "message.any"
)

// WebhookEvent описывает вебхук шлюза.
type WebhookEvent struct {
	Event   string      `json:"event"`
	Session string      `json:"session"`
	Data    MessageData `json:"data"`
}

// MessageData описывает сообщение внутри вебхука.
type MessageData struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	FromMe     bool   `json:"fromMe"`
	IsGroupMsg bool   `json:"isGroupMsg"`
	Sender     string `json:"sender,omitempty"`
	Type       string `json:"type,omitempty"`
}

// IsMessage сообщает, относится ли вебхук к входящему сообщению.
func (e WebhookEvent) IsMessage() bool {
	return e.Event == EventMessage || e.Event == EventMessageAny
}

// IsGroup сообщает, пришло ли сообщение из группового чата.
func (d MessageData) IsGroup() bool {
	return d.IsGroupMsg || strings.HasSuffix(d.From, "@g.us")
}
