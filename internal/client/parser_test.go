package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserReadsFrames(t *testing.T) {
	body := "event: token\nid: e-1\ndata: {\"text\":\"a\"}\n\n" +
		": keep-alive\n\n" +
		"event: issues\ndata: line1\ndata: line2\n\n" +
		"data: bare\n\n" +
		"id: orphan\n\n" +
		"event: done\nid: e-3\ndata: {}"

	p := NewParser(strings.NewReader(body))

	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "token", ID: "e-1", Data: []byte(`{"text":"a"}`)}, f)

	f, err = p.Next()
	require.NoError(t, err)
	assert.True(t, f.Comment)

	f, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "issues", f.Event)
	assert.Equal(t, "line1\nline2", string(f.Data))

	f, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", f.Event)

	f, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", f.Event, "frames without data are skipped")
	assert.Equal(t, "e-3", f.ID)

	_, err = p.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, id := range []string{"a", "b", "c"} {
		w.Add(id)
	}
	assert.True(t, w.Seen("a"))

	w.Add("d")
	assert.False(t, w.Seen("a"))
	assert.True(t, w.Seen("b"))
	assert.True(t, w.Seen("d"))
	assert.Equal(t, 3, w.Len())

	w.Add("b")
	w.Add("e")
	assert.False(t, w.Seen("b"), "re-adding does not refresh position")
	assert.True(t, w.Seen("c"))
}

func TestWindowDefaultSize(t *testing.T) {
	w := NewWindow(0)
	for i := 0; i < 1500; i++ {
		w.Add(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, 1000, w.Len())
}
