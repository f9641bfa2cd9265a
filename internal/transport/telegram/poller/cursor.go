package poller

import "sync/atomic"

// Cursor is the last update id fully processed. It never moves backwards.
type Cursor struct {
	last atomic.Int64
}

func (c *Cursor) Last() int { return int(c.last.Load()) }

// Next is the getUpdates offset.
func (c *Cursor) Next() int { return c.Last() + 1 }

// Advance moves to id if it is ahead. It reports whether it moved.
func (c *Cursor) Advance(id int) bool {
	for {
		cur := c.last.Load()
		if int64(id) <= cur {
			return false
		}
		if c.last.CompareAndSwap(cur, int64(id)) {
			return true
		}
	}
}

// Seen reports whether id is at or below the cursor.
func (c *Cursor) Seen(id int) bool { return int64(id) <= c.last.Load() }
