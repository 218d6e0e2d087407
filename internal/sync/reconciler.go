package sync

import (
	"slices"
	"time"

	"github.com/gymlink/gymchat/internal/model"
)

// Merge reconciles a server batch with the local list. limit is the page
// size the batch was requested with, or 0 when the batch is complete.
//
// Local entries matched by id are kept as-is unless the read flag differs,
// in which case only Read is updated. Unmatched server entries are added
// and local entries missing from the batch are kept. When the batch holds
// fewer entries than the confirmed local entries it covers, something was
// deleted remotely and the server wins: the result is the batch plus the
// pending entries and, for a full page, the confirmed entries older than
// the page. If nothing differs, local is returned unchanged with
// changed=false.
func Merge(local, server []model.Message, limit int) ([]model.Message, bool) {
	server = dedupe(server)
	full := limit > 0 && len(server) >= limit
	if len(server) < covered(local, server, full) {
		return shrink(local, server, full), true
	}

	byID := make(map[model.MessageID]int, len(local))
	for i, m := range local {
		byID[m.ID] = i
	}

	out := make([]model.Message, 0, len(local)+len(server))
	inBatch := make(map[model.MessageID]bool, len(server))
	changed := false
	for _, s := range server {
		inBatch[s.ID] = true
		i, ok := byID[s.ID]
		if !ok {
			out = append(out, s)
			changed = true
			continue
		}
		l := local[i]
		if l.Read != s.Read {
			l.Read = s.Read
			changed = true
		}
		out = append(out, l)
	}
	if !changed {
		return local, false
	}
	for _, l := range local {
		if !inBatch[l.ID] {
			out = append(out, l)
		}
	}
	model.SortNewestFirst(out)
	return out, true
}

// Replace returns the server batch as the new local state. Pending local
// entries are carried over so an in-flight send stays visible until its
// confirmation lands.
func Replace(local, server []model.Message) []model.Message {
	out := slices.Clone(dedupe(server))
	for _, l := range local {
		if l.Pending && model.IndexOf(out, l.ID) < 0 {
			out = append(out, l)
		}
	}
	model.SortNewestFirst(out)
	return out
}

// covered counts the confirmed local entries inside the batch window. A
// full page only reaches back to its oldest entry.
func covered(local, server []model.Message, full bool) int {
	var oldest time.Time
	if full {
		oldest = oldestOf(server)
	}
	n := 0
	for _, m := range local {
		if m.Pending || (full && m.CreatedAt.Before(oldest)) {
			continue
		}
		n++
	}
	return n
}

func shrink(local, server []model.Message, full bool) []model.Message {
	out := slices.Clone(server)
	var oldest time.Time
	if full {
		oldest = oldestOf(server)
	}
	for _, l := range local {
		keep := l.Pending || (full && l.CreatedAt.Before(oldest))
		if keep && model.IndexOf(out, l.ID) < 0 {
			out = append(out, l)
		}
	}
	model.SortNewestFirst(out)
	return out
}

func oldestOf(msgs []model.Message) time.Time {
	var oldest time.Time
	for i, m := range msgs {
		if i == 0 || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return oldest
}

func dedupe(msgs []model.Message) []model.Message {
	seen := make(map[model.MessageID]bool, len(msgs))
	for i, m := range msgs {
		if seen[m.ID] {
			out := slices.Clone(msgs[:i])
			for _, m := range msgs[i:] {
				if !seen[m.ID] {
					seen[m.ID] = true
					out = append(out, m)
				}
			}
			return out
		}
		seen[m.ID] = true
	}
	return msgs
}
