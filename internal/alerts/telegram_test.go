package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"hl-delta-bot/internal/config"

	"go.uber.org/zap"
)

type botAPIStub struct {
	server  *httptest.Server
	path    string
	payload map[string]string
}

func newBotAPIStub(t *testing.T, response string) *botAPIStub {
	t.Helper()
	stub := &botAPIStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.path = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&stub.payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *botAPIStub) sender(cfg config.TelegramConfig) *Telegram {
	return newTelegram(cfg, zap.NewNop(), s.server.URL, s.server.Client())
}

func TestTelegramSendDisabled(t *testing.T) {
	sender := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := sender.Send(context.Background(), "position opened"); err != nil {
		t.Fatalf("disabled sender must drop silently, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	sender := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused", nil)
	if err := sender.Send(context.Background(), "position opened"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	stub := newBotAPIStub(t, `{"ok":true,"result":{}}`)
	sender := stub.sender(config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"})

	if err := sender.Send(context.Background(), "rotated BTC to SOL"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if stub.path != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", stub.path)
	}
	if stub.payload["chat_id"] != "123" || stub.payload["text"] != "rotated BTC to SOL" {
		t.Fatalf("unexpected payload %v", stub.payload)
	}
}

func TestTelegramSendAPIError(t *testing.T) {
	stub := newBotAPIStub(t, `{"ok":false,"description":"chat not found"}`)
	sender := stub.sender(config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"})
	if err := sender.Send(context.Background(), "rotated BTC to SOL"); err == nil {
		t.Fatalf("expected error for ok=false response")
	}
}
