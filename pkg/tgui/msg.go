package tgui

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "panelbot/internal/transport"
)

// Message is a rendered UI payload: text + send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Markup returns the inline keyboard, or nil.
func (m Message) Markup() *tele.ReplyMarkup {
	if m.Opt == nil {
		return nil
	}
	rm, _ := m.Opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	return rm
}

func (m Message) options() *kit.SendOptions {
	if m.Opt == nil {
		return &kit.SendOptions{}
	}
	return m.Opt
}

func (m Message) Send(ctx context.Context, s kit.TextSender, to kit.ChatTarget) (kit.MessageRef, error) {
	return s.SendText(ctx, to, m.Text, m.options())
}

// Edit replaces the message at ref. A Message without keyboard removes
// the existing one.
func (m Message) Edit(ctx context.Context, s kit.Sender, ref kit.MessageRef) error {
	return s.EditText(ctx, ref, m.Text, m.options())
}

// Builder assembles a message line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
}

func New() *Builder {
	return &Builder{parseMode: tele.ModeHTML, disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, tele.ModeHTML) }

// Plain switches to no parse mode; text is then sent verbatim.
func (b *Builder) Plain() *Builder {
	b.parseMode = ""
	return b
}

// Inline attaches an inline keyboard.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil || len(kb.rows) == 0 {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e, t := strings.TrimSpace(emoji), strings.TrimSpace(title)
	if t == "" {
		return b
	}
	line := t
	if b.html() {
		line = B(t).String()
	}
	if e != "" {
		line = e + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

// Section adds a blank line and a section header.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	b.Blank()
	if b.html() {
		t = B(t).String()
	}
	b.lines = append(b.lines, t)
	return b
}

// Line adds a single line, escaping when ParseMode is HTML.
func (b *Builder) Line(s string) *Builder {
	if b.html() {
		s = Esc(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// RawLine appends already-safe HTML.
func (b *Builder) RawLine(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// Bullets adds bullet lines, skipping blanks.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a "key: value" row; the key is bold in HTML mode.
func (b *Builder) KV(key, value string) *Builder {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, B(key).String()+": "+Esc(value).String())
		return b
	}
	b.lines = append(b.lines, key+": "+value)
	return b
}

// Code adds an inline code line.
func (b *Builder) Code(s string) *Builder {
	if s = strings.TrimSpace(s); s == "" {
		return b
	}
	if b.html() {
		s = Code(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// Build produces a ready-to-send Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	opt := &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: text, Opt: opt}
}
