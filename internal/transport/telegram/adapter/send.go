package adapter

import (
	"context"
	"path/filepath"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "panelbot/internal/transport"
)

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Skip cuts that would leave a tiny chunk.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
	if withMarkup {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
			so.ReplyMarkup = rm
		}
	}
	return so
}

func (c *Client) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	b, _, err := c.current()
	if err != nil {
		return kit.MessageRef{}, err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		// Markup goes on the first chunk only.
		msg, err := b.Send(chat, chunk, sendOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the message text. Without markup in opt the inline
// keyboard is removed. Overflow chunks are sent as new messages.
func (c *Client) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	b, _, err := c.current()
	if err != nil {
		return err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := b.Edit(m, chunks[0], sendOptions(opt, 0, true)); err != nil {
		return err
	}

	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(chat, chunk, sendOptions(opt, ref.ThreadID, false)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	b, _, err := c.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (c *Client) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	b, _, err := c.current()
	if err != nil {
		return kit.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	name := doc.FileName
	if name == "" {
		name = filepath.Base(doc.Path)
	}
	d := &tele.Document{File: tele.FromDisk(doc.Path), FileName: name, Caption: doc.Caption}
	msg, err := b.Send(&tele.Chat{ID: to.ChatID}, d, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// IsNotModified reports Telegram's refusal to apply an edit that changes
// nothing. Callers treat it as success.
func IsNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
