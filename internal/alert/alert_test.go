package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"gridbot/internal/logging"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestManager_Notify_FansOutToEveryChannel(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(logger)

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Notify(context.Background(), "bot-1", "bot_error", "insufficient funds")

	time.Sleep(100 * time.Millisecond)

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()
	if len(sent1) != 1 {
		t.Fatalf("expected ch1 to receive 1 notification, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Fatalf("expected ch2 to receive 1 notification, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "bot_error" {
		t.Errorf("expected title 'bot_error', got %q", payload.Title)
	}
	if payload.Level != LevelError {
		t.Errorf("expected level ERROR, got %s", payload.Level)
	}
	if payload.Fields["bot_id"] != "bot-1" {
		t.Errorf("expected bot_id field 'bot-1', got %q", payload.Fields["bot_id"])
	}
}
