package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Notification
	block chan struct{}
}

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 8, nil)

	d.Notify(Notification{AccountID: 1, Kind: KindBuySuccess, Text: "a"})
	d.Notify(Notification{AccountID: 1, Kind: KindSellSuccess, Text: "b"})
	d.Close()

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "a", sender.sent[0].Text)
	assert.Equal(t, "b", sender.sent[1].Text)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	d := NewDispatcher(sender, 1, nil)

	// The first is taken by the loop and blocks, the second fills the buffer.
	for i := 0; i < 10; i++ {
		d.Notify(Notification{AccountID: int64(i)})
	}
	close(sender.block)
	d.Close()

	assert.LessOrEqual(t, len(sender.sent), 2)
	assert.GreaterOrEqual(t, len(sender.sent), 1)

	// Notify after Close must not panic.
	d.Notify(Notification{AccountID: 99})
}

func TestTelegramSender(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSender(srv.URL, "123:abc")
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), Notification{AccountID: 42, Text: "<b>hi</b>"}))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
}

func TestTelegramSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"bot was blocked by the user"}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSender(srv.URL, "t")
	require.NoError(t, err)
	err = s.Send(context.Background(), Notification{AccountID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}
