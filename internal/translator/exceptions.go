package translator

import (
	"slices"

	"github.com/inoxlang/tjit/internal/target"
	"github.com/tidwall/btree"
)

type codeHandler struct {
	start, end int
	entry      target.HandlerEntry
}

// buildExceptionRanges converts the exception handlers to code positions and builds the minimal ordered
// table of ranges covering the body. Overlapping handlers are split into ranges listing the handlers in
// table order, gaps are filled with ranges without handler. The table ends with an empty sentinel
// range at the end of the body.
func (t *translator) buildExceptionRanges() []target.ExceptionRange {
	bodyStart := t.bciToPos[0]
	bodyEnd := t.bciToPos[len(t.method.Code)]

	var handlers []codeHandler
	for _, h := range t.method.Handlers {
		handlers = append(handlers, codeHandler{
			start: t.bciToPos[h.Start],
			end:   t.bciToPos[h.End],
			entry: target.HandlerEntry{CatchType: h.CatchType, Handler: t.bciToPos[h.Handler]},
		})
	}
	if t.method.Synchronized {
		handlers = append(handlers, codeHandler{
			start: bodyStart,
			end:   bodyEnd,
			entry: target.HandlerEntry{Handler: t.syncHandlerPos},
		})
	}

	var boundaries btree.Set[int]
	boundaries.Insert(bodyStart)
	boundaries.Insert(bodyEnd)
	for _, h := range handlers {
		boundaries.Insert(h.start)
		boundaries.Insert(h.end)
	}

	var ranges []target.ExceptionRange
	prev := -1
	boundaries.Scan(func(pos int) bool {
		if prev >= 0 {
			var entries []target.HandlerEntry
			for _, h := range handlers {
				if h.start <= prev && pos <= h.end {
					entries = append(entries, h.entry)
				}
			}

			last := len(ranges) - 1
			if last >= 0 && slices.Equal(ranges[last].Handlers, entries) {
				ranges[last].End = pos
			} else {
				ranges = append(ranges, target.ExceptionRange{Start: prev, End: pos, Handlers: entries})
			}
		}
		prev = pos
		return true
	})

	return append(ranges, target.ExceptionRange{Start: bodyEnd, End: bodyEnd})
}
