package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	// UpdateOther covers update types the bot does not handle. They still
	// advance the poll cursor.
	UpdateOther UpdateKind = "other"
)

type Update struct {
	ID       int
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) Target() ChatTarget {
	return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Document is a local file sent as an attachment.
type Document struct {
	Path     string
	FileName string
	Caption  string
}

// TextSender is the minimal outbound surface (used by the log sink).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender is the outbound chat surface used by the dispatcher, the
// notifier and the backup job.
type Sender interface {
	TextSender
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	SendDocument(ctx context.Context, to ChatTarget, doc Document) (MessageRef, error)
}
