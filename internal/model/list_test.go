package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(id int64, sec int64) Message {
	return Message{ID: ServerID(id), CreatedAt: time.Unix(sec, 0)}
}

func TestRemoveByID(t *testing.T) {
	in := []Message{at(3, 30), at(2, 20), at(1, 10)}

	out, ok := RemoveByID(in, ServerID(2))
	assert.True(t, ok)
	assert.Len(t, out, 2)
	assert.Len(t, in, 3, "input must not be modified")
	assert.Equal(t, ServerID(2), in[1].ID)

	same, ok := RemoveByID(in, ServerID(9))
	assert.False(t, ok)
	assert.Same(t, &in[0], &same[0])
}

func TestReplaceByID(t *testing.T) {
	in := []Message{{ID: TempID("tmp1"), Pending: true}, at(1, 10)}
	out, ok := ReplaceByID(in, TempID("tmp1"), at(2, 20))
	assert.True(t, ok)
	assert.Equal(t, ServerID(2), out[0].ID)
	assert.True(t, in[0].Pending)
}

func TestInsertByTime(t *testing.T) {
	in := []Message{at(3, 30), at(1, 10)}

	out, ok := InsertByTime(in, at(2, 20))
	assert.True(t, ok)
	assert.Equal(t, []MessageID{ServerID(3), ServerID(2), ServerID(1)},
		[]MessageID{out[0].ID, out[1].ID, out[2].ID})

	out, ok = InsertByTime(in, at(4, 1))
	assert.True(t, ok)
	assert.Equal(t, ServerID(4), out[2].ID)

	_, ok = InsertByTime(in, at(3, 30))
	assert.False(t, ok)
}

func TestPrepend(t *testing.T) {
	in := []Message{at(1, 10)}
	out := Prepend(in, at(2, 20))
	assert.Len(t, out, 2)
	assert.Equal(t, ServerID(2), out[0].ID)
	assert.Len(t, in, 1)
}
