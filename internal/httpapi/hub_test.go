package httpapi

import (
	"testing"
)

func TestHubBroadcastScopedByAccount(t *testing.T) {
	hub := NewHub()
	a := hub.register("acct-a")
	b := hub.register("acct-b")
	defer hub.unregister(a)
	defer hub.unregister(b)

	hub.BroadcastSync("acct-a")

	select {
	case note := <-a.send:
		if note.Type != "sync" || note.Tag != "sync" {
			t.Fatalf("unexpected notification: %+v", note)
		}
	default:
		t.Fatalf("expected a sync notification for acct-a")
	}
	select {
	case note := <-b.send:
		t.Fatalf("acct-b must not receive acct-a's sync: %+v", note)
	default:
	}
}

func TestHubBroadcastUpdateReachesAllAccounts(t *testing.T) {
	hub := NewHub()
	a := hub.register("acct-a")
	b := hub.register("acct-b")
	defer hub.unregister(a)
	defer hub.unregister(b)

	hub.BroadcastUpdate("2.1.0")

	for _, client := range []*hubClient{a, b} {
		select {
		case note := <-client.send:
			if note.Type != "app-update" || note.Data["version"] != "2.1.0" {
				t.Fatalf("unexpected update notification: %+v", note)
			}
			if len(note.Actions) != 2 {
				t.Fatalf("expected reload and dismiss actions, got %+v", note.Actions)
			}
		default:
			t.Fatalf("expected the update on every client")
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub()
	slow := hub.register("acct-a")

	// Fill the buffer without draining; the next broadcast must evict the
	// client instead of blocking.
	for i := 0; i < cap(slow.send); i++ {
		hub.BroadcastSync("acct-a")
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client must survive while its buffer has room, count=%d", hub.ClientCount())
	}
	hub.BroadcastSync("acct-a")
	if hub.ClientCount() != 0 {
		t.Fatalf("a client with a full buffer must be dropped, count=%d", hub.ClientCount())
	}
	if _, ok := <-slow.send; ok {
		// Drain one buffered message; the channel must eventually report
		// closed so the writer loop exits.
		for range slow.send {
		}
	}
}
