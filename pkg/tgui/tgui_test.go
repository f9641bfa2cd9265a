package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestPaginate(t *testing.T) {
	tests := []struct {
		total, page, size int
		want              Page
	}{
		{0, 1, 8, Page{Page: 1, Pages: 1, Size: 8}},
		{10, 1, 8, Page{Page: 1, Pages: 2, Size: 8, Total: 10, From: 0, To: 8}},
		{10, 2, 8, Page{Page: 2, Pages: 2, Size: 8, Total: 10, From: 8, To: 10}},
		{10, 9, 8, Page{Page: 2, Pages: 2, Size: 8, Total: 10, From: 8, To: 10}},
		{10, -3, 8, Page{Page: 1, Pages: 2, Size: 8, Total: 10, From: 0, To: 8}},
		{16, 2, 8, Page{Page: 2, Pages: 2, Size: 8, Total: 16, From: 8, To: 16}},
		{17, 3, 8, Page{Page: 3, Pages: 3, Size: 8, Total: 17, From: 16, To: 17}},
	}
	for _, tt := range tests {
		if got := Paginate(tt.total, tt.page, tt.size); got != tt.want {
			t.Fatalf("Paginate(%d,%d,%d) = %+v, want %+v", tt.total, tt.page, tt.size, got, tt.want)
		}
	}
}

func TestPagerRow(t *testing.T) {
	tok := func(p int) string { return Data("servers_page", p) }

	if row := PagerRow(Paginate(5, 1, 8), tok, "noop"); row != nil {
		t.Fatalf("single page should have no pager row")
	}
	first := PagerRow(Paginate(20, 1, 8), tok, "noop")
	if len(first) != 2 || first[0].Data != "noop" || first[1].Data != "servers_page:2" {
		t.Fatalf("first page row = %+v", first)
	}
	mid := PagerRow(Paginate(20, 2, 8), tok, "noop")
	if len(mid) != 3 || mid[0].Data != "servers_page:1" || mid[2].Data != "servers_page:3" {
		t.Fatalf("middle page row = %+v", mid)
	}
	last := PagerRow(Paginate(20, 3, 8), tok, "noop")
	if len(last) != 2 || last[0].Data != "servers_page:2" || last[1].Data != "noop" {
		t.Fatalf("last page row = %+v", last)
	}
}

func TestDataAndLimit(t *testing.T) {
	if got := Data("change_expire_choice", int64(42), 2); got != "change_expire_choice:42:2" {
		t.Fatalf("Data = %q", got)
	}
	if err := CheckData(strings.Repeat("x", 65)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("expected too long error, got %v", err)
	}
}

func TestBuilderEscapesHTML(t *testing.T) {
	m := New().Title("🖥", "a<b").KV("Host", "x&y").Line("<i>").Build()
	want := "🖥 <b>a&lt;b</b>\n<b>Host</b>: x&amp;y\n&lt;i&gt;"
	if m.Text != want {
		t.Fatalf("text = %q, want %q", m.Text, want)
	}
	if m.Markup() != nil {
		t.Fatalf("no keyboard expected")
	}
	kb := NewInline().Row(Btn("A", "a")).Grid(2, nil)
	if m2 := New().Line("x").Inline(kb).Build(); m2.Markup() == nil || len(m2.Markup().InlineKeyboard) != 1 {
		t.Fatalf("keyboard missing")
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("héllo wörld", 5); got != "héllo…" {
		t.Fatalf("TruncRunes = %q", got)
	}
	if got := TruncRunes("abc", 5); got != "abc" {
		t.Fatalf("TruncRunes = %q", got)
	}
}
