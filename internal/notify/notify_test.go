package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

type fakeSender struct {
	name string
	err  error
	got  []Alert
}

func (f *fakeSender) Send(_ context.Context, a Alert) error {
	f.got = append(f.got, a)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifier_FiltersByLevel(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier(LevelWarn, s)

	require.NoError(t, n.Notify(context.Background(), LevelInfo, "engine", "started"))
	require.NoError(t, n.Notify(context.Background(), LevelCritical, "wallet", "balance low"))

	require.Len(t, s.got, 1)
	assert.Equal(t, "wallet", s.got[0].Component)
	assert.NotEmpty(t, s.got[0].ID)

	// history keeps everything
	assert.Len(t, n.Recent(""), 2)
	assert.Len(t, n.Recent(LevelInfo), 1)
}

func TestNotifier_OneFailingSenderDoesNotStopOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier(LevelInfo, bad, good)

	err := n.Notify(context.Background(), LevelWarn, "rpc", "slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.got, 1)
}

func TestNotifier_HistoryIsBounded(t *testing.T) {
	n := NewNotifier(LevelCritical)
	for i := 0; i < maxHistory+50; i++ {
		require.NoError(t, n.Notify(context.Background(), LevelInfo, "x", "y"))
	}
	assert.Len(t, n.Recent(""), maxHistory)
}

func TestWebhookSender(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(LevelInfo, NewWebhookSender(srv.URL, "heaven-1"))
	require.NoError(t, n.Notify(context.Background(), LevelCritical, "bundler", "confirmation timeout"))

	assert.Equal(t, LevelCritical, got.Level)
	assert.Equal(t, "bundler", got.Component)
	assert.Equal(t, "heaven-1", got.Instance)
	assert.NotEmpty(t, got.Timestamp)
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL, "").Send(context.Background(), Alert{Level: LevelInfo})
	assert.ErrorIs(t, err, errs.ErrNetwork)
}
