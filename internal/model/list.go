package model

import "slices"

// Message lists are treated as immutable: the helpers below return a new
// slice when they change something and the input slice when they do not.

// RemoveByID drops the message with id. It reports whether it was present.
func RemoveByID(msgs []Message, id MessageID) ([]Message, bool) {
	i := IndexOf(msgs, id)
	if i < 0 {
		return msgs, false
	}
	return slices.Delete(slices.Clone(msgs), i, i+1), true
}

// ReplaceByID swaps the message with id for m.
func ReplaceByID(msgs []Message, id MessageID, m Message) ([]Message, bool) {
	i := IndexOf(msgs, id)
	if i < 0 {
		return msgs, false
	}
	out := slices.Clone(msgs)
	out[i] = m
	return out, true
}

// Prepend puts m at the head of the list.
func Prepend(msgs []Message, m Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, m)
	return append(out, msgs...)
}

// InsertByTime inserts m at its newest-first position. Messages with the
// same timestamp keep m after them. If a message with the same id is
// already present the list is returned unchanged.
func InsertByTime(msgs []Message, m Message) ([]Message, bool) {
	if IndexOf(msgs, m.ID) >= 0 {
		return msgs, false
	}
	i := slices.IndexFunc(msgs, func(x Message) bool { return x.CreatedAt.Before(m.CreatedAt) })
	if i < 0 {
		i = len(msgs)
	}
	return slices.Insert(slices.Clone(msgs), i, m), true
}
