package tgui

import (
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// Page describes one page of a list. Page numbers are 1-based.
type Page struct {
	Page  int
	Pages int
	Size  int
	Total int
	From  int // index of the first item on the page
	To    int // exclusive
}

func (p Page) HasPrev() bool { return p.Page > 1 }
func (p Page) HasNext() bool { return p.Page < p.Pages }
func (p Page) Empty() bool   { return p.Total == 0 }

// Paginate clamps page into [1, pages]. An empty list has one empty page.
func Paginate(total, page, size int) Page {
	if size <= 0 {
		size = 10
	}
	total = max(total, 0)
	pages := max((total+size-1)/size, 1)
	page = min(max(page, 1), pages)
	from := (page - 1) * size
	return Page{Page: page, Pages: pages, Size: size, Total: total, From: from, To: min(from+size, total)}
}

// PageSlice returns the items of the requested page.
func PageSlice[T any](items []T, page, size int) ([]T, Page) {
	p := Paginate(len(items), page, size)
	return items[p.From:p.To], p
}

// PageLabel returns a compact label such as "Page 2/5 • 11–20 of 43".
func PageLabel(p Page) string {
	if p.Total == 0 {
		return "Page 1/1"
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Page, p.Pages, p.From+1, p.To, p.Total)
}

// PagerRow builds "« Prev | n/N | Next »". Prev and Next only appear when
// the neighbour page exists. token maps a page number to callback data;
// noop is the data of the inert label button. A single page has no row.
func PagerRow(p Page, token func(page int) string, noop string) []tele.Btn {
	if p.Pages <= 1 {
		return nil
	}
	row := make([]tele.Btn, 0, 3)
	if p.HasPrev() {
		row = append(row, Btn("« Prev", token(p.Page-1)))
	}
	row = append(row, Btn(fmt.Sprintf("%d/%d", p.Page, p.Pages), noop))
	if p.HasNext() {
		row = append(row, Btn("Next »", token(p.Page+1)))
	}
	return row
}
