package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymlink/gymchat/internal/model"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func srv(id int64, minute int, read bool) model.Message {
	return model.Message{
		ID:        model.ServerID(id),
		Text:      "m",
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
		Read:      read,
	}
}

func pending(tmp string, minute int) model.Message {
	return model.Message{
		ID:        model.TempID(tmp),
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
		Pending:   true,
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID.String()
	}
	return out
}

func TestMergePreservesUnrelatedLocalState(t *testing.T) {
	local := []model.Message{pending("tmpA", 5), srv(2, 1, false)}
	server := []model.Message{srv(2, 1, false)}

	out, changed := Merge(local, server, 0)
	assert.False(t, changed)
	assert.Equal(t, []string{"tmpA", "2"}, ids(out))
	assert.Same(t, &local[0], &out[0])
}

func TestMergeShrinkingBatchReplaces(t *testing.T) {
	local := []model.Message{srv(3, 3, false), srv(2, 2, false), srv(1, 1, false)}
	server := []model.Message{srv(2, 2, false)}

	out, changed := Merge(local, server, 0)
	assert.True(t, changed)
	assert.Equal(t, []string{"2"}, ids(out))
}

func TestMergeShrinkKeepsPending(t *testing.T) {
	local := []model.Message{pending("tmpA", 9), srv(3, 3, false), srv(2, 2, false)}
	out, changed := Merge(local, []model.Message{srv(3, 3, false)}, 0)
	assert.True(t, changed)
	assert.Equal(t, []string{"tmpA", "3"}, ids(out))
}

func TestMergeFullPageIgnoresOlderEntries(t *testing.T) {
	local := []model.Message{srv(4, 4, false), srv(3, 3, false), srv(2, 2, false), srv(1, 1, false)}
	server := []model.Message{srv(5, 5, false), srv(4, 4, false), srv(3, 3, false)}

	out, changed := Merge(local, server, 3)
	assert.True(t, changed)
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, ids(out))
}

func TestMergeFullPageShrinkKeepsOlderEntries(t *testing.T) {
	local := []model.Message{
		pending("tmpA", 9),
		srv(5, 5, false), srv(4, 4, false), srv(3, 3, false), srv(2, 2, false), srv(1, 1, false),
	}
	// 4 was deleted remotely; the page now reaches back to 2.
	server := []model.Message{srv(5, 5, false), srv(3, 3, false), srv(2, 2, false)}

	out, changed := Merge(local, server, 3)
	assert.True(t, changed)
	assert.Equal(t, []string{"tmpA", "5", "3", "2", "1"}, ids(out))
}

func TestMergeUpdatesOnlyReadFlag(t *testing.T) {
	local := []model.Message{srv(2, 2, false), srv(1, 1, false)}
	local[0].Text = "local text"
	server := []model.Message{srv(2, 2, true), srv(1, 1, false)}
	server[0].Text = "server text"

	out, changed := Merge(local, server, 0)
	require.True(t, changed)
	assert.True(t, out[0].Read)
	assert.Equal(t, "local text", out[0].Text)
	assert.False(t, local[0].Read, "local slice must not be mutated")
}

func TestMergeAddsNewMessages(t *testing.T) {
	local := []model.Message{pending("tmpA", 10), srv(1, 1, false)}
	server := []model.Message{srv(5, 5, false), srv(1, 1, false)}

	out, changed := Merge(local, server, 0)
	assert.True(t, changed)
	assert.Equal(t, []string{"tmpA", "5", "1"}, ids(out))
}

func TestMergeKeepsOlderLocalEntries(t *testing.T) {
	local := []model.Message{srv(2, 2, false), srv(1, 1, false)}
	server := []model.Message{srv(3, 3, false), srv(2, 2, false)}

	out, changed := Merge(local, server, 0)
	assert.True(t, changed)
	assert.Equal(t, []string{"3", "2", "1"}, ids(out))
}

func TestMergeIdenticalReturnsLocal(t *testing.T) {
	local := []model.Message{srv(2, 2, true), srv(1, 1, false)}
	server := []model.Message{srv(2, 2, true), srv(1, 1, false)}

	out, changed := Merge(local, server, 0)
	assert.False(t, changed)
	assert.Same(t, &local[0], &out[0])
}

func TestMergeDeduplicatesBatch(t *testing.T) {
	out, changed := Merge(nil, []model.Message{srv(1, 1, false), srv(1, 1, false)}, 0)
	assert.True(t, changed)
	assert.Equal(t, []string{"1"}, ids(out))
}

func TestReplaceKeepsPending(t *testing.T) {
	local := []model.Message{pending("tmpA", 10), srv(9, 9, false)}
	out := Replace(local, []model.Message{srv(2, 2, false), srv(1, 1, false)})
	assert.Equal(t, []string{"tmpA", "2", "1"}, ids(out))
}
