package messages

import (
	"im-realtime/internal/api"
	"im-realtime/internal/models"
)

// 每次加载只选择一个游标来源：只要出现任一分页响应头就完全采用响应头，
// 否则根据本页首尾的 stream position 推导。

func flag(b *bool) bool {
	return b != nil && *b
}

func clonePos(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// resetCursor builds the window of a fresh newest-page load. Without
// headers the newest page counts as a request in the older direction.
func resetCursor(meta api.PageMeta, positions []int64) models.Cursor {
	if meta.Present() {
		return models.Cursor{
			Before:    clonePos(meta.Before),
			After:     clonePos(meta.After),
			HasBefore: flag(meta.HasBefore),
			HasAfter:  flag(meta.HasAfter),
		}
	}
	if len(positions) == 0 {
		return models.Cursor{}
	}
	first, last := bounds(positions)
	return models.Cursor{
		Before:    &first,
		After:     &last,
		HasBefore: true,
		HasAfter:  false,
	}
}

// advanceCursor updates one direction of cur after a page load. The other
// direction is left untouched.
func advanceCursor(cur models.Cursor, meta api.PageMeta, positions []int64, older bool) models.Cursor {
	if meta.Present() {
		if older {
			cur.Before = clonePos(meta.Before)
			cur.HasBefore = flag(meta.HasBefore)
		} else {
			cur.After = clonePos(meta.After)
			cur.HasAfter = flag(meta.HasAfter)
		}
		return cur
	}
	if older {
		if len(positions) > 0 {
			first, _ := bounds(positions)
			cur.Before = &first
		}
		cur.HasBefore = len(positions) > 0
	} else {
		if len(positions) > 0 {
			_, last := bounds(positions)
			cur.After = &last
		}
		cur.HasAfter = len(positions) > 0
	}
	return cur
}

// bounds returns the smallest and largest position. positions is non-empty.
func bounds(positions []int64) (lo, hi int64) {
	lo, hi = positions[0], positions[0]
	for _, p := range positions[1:] {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	return lo, hi
}

// bumpAfter raises the after cursor to pos, used for live messages.
func bumpAfter(cur models.Cursor, pos int64) models.Cursor {
	if cur.After == nil || pos > *cur.After {
		p := pos
		cur.After = &p
	}
	return cur
}
