package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/profilebot/internal/app/bootstrap"
	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/pkg/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("error", io.Discard)
}

func TestRegisterWebhookSkipsWithoutPublicURL(t *testing.T) {
	// No server is contacted, so an unreachable API URL is fine.
	cfg := &appconfig.Config{TelegramBotToken: "1:x", TelegramAPIURL: "http://127.0.0.1:1"}
	registerWebhook(context.Background(), cfg, quietLogger())
}

func TestRegisterWebhookCallsSetWebhookOnce(t *testing.T) {
	var (
		setCalls   atomic.Int32
		mu         sync.Mutex
		currentURL string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bot1:x/getWebhookInfo":
			mu.Lock()
			registered := currentURL
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"url": registered}})
		case "/bot1:x/setWebhook":
			setCalls.Add(1)
			var body struct {
				URL string `json:"url"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			currentURL = body.URL
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := &appconfig.Config{
		TelegramBotToken:      "1:x",
		TelegramAPIURL:        srv.URL,
		TelegramWebhookSecret: "hook",
		PublicBaseURL:         "https://bot.example.com",
	}
	registerWebhook(context.Background(), cfg, quietLogger())
	registerWebhook(context.Background(), cfg, quietLogger())

	assert.Equal(t, int32(1), setCalls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "https://bot.example.com/webhooks/telegram", currentURL)
}

func TestSetupInlineSender(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryQueue: true, WorkerCount: 1}
	gateway, err := bootstrap.BuildGateway(context.Background(), cfg, quietLogger(), prometheus.NewRegistry(), bootstrap.AWSClients{})
	require.NoError(t, err)
	defer gateway.Close()

	_, err = setupInlineSender(cfg, quietLogger(), gateway)
	assert.Error(t, err, "bot token is required")

	cfg.TelegramBotToken = "1:x"
	sender, err := setupInlineSender(cfg, quietLogger(), gateway)
	require.NoError(t, err)
	assert.NotNil(t, sender)
}
