package notify

import (
	"context"
	"fmt"
	"testing"
)

func TestBufferKeepsMostRecent(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		Emit(context.Background(), b, LevelInfo, "test", fmt.Sprintf("msg-%d", i))
	}

	got := b.Recent()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	if got[0].Message != "msg-2" || got[2].Message != "msg-4" {
		t.Errorf("unexpected window: %+v", got)
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	a, b := NewBuffer(10), NewBuffer(10)
	f := Fanout{a, nil, b}

	Emit(context.Background(), f, LevelWarning, "cache", "cache over capacity")

	if len(a.Recent()) != 1 || len(b.Recent()) != 1 {
		t.Fatalf("expected both sinks to receive the notification")
	}
	if a.Recent()[0].Level != LevelWarning {
		t.Errorf("level not preserved: %v", a.Recent()[0].Level)
	}
}

func TestEmitNilSink(t *testing.T) {
	// Must not panic.
	Emit(context.Background(), nil, LevelInfo, "test", "ignored")
	Nop.Notify(context.Background(), Notification{Message: "ignored"})
}
