package realtime

import (
	"sync"
	"testing"
	"time"

	v1 "inbox/shared/contracts/realtime/v1"
)

func testEnvelope(typ string) v1.Envelope {
	return newEnvelope(typ, map[string]string{"k": "v"}, time.Now().UTC())
}

func TestHub_DeliverRespectsMembershipAndExclusion(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLog())
	a1 := NewClient("a", "a-1", 4)
	a2 := NewClient("a", "a-2", 4)
	b1 := NewClient("b", "b-1", 4)

	h.Join(ConversationRoom("c1"), a1)
	h.Join(ConversationRoom("c1"), a2)
	h.Join(ConversationRoom("c1"), b1)
	h.Join(UserRoom("b"), b1)

	if n := h.Deliver(ConversationRoom("c1"), testEnvelope(v1.TypeReceiveMessage), "a-1"); n != 2 {
		t.Fatalf("delivered to %d sessions, want 2", n)
	}
	if len(a1.Send) != 0 || len(a2.Send) != 1 || len(b1.Send) != 1 {
		t.Fatalf("queue lengths a1=%d a2=%d b1=%d", len(a1.Send), len(a2.Send), len(b1.Send))
	}

	if n := h.Deliver(UserRoom("b"), testEnvelope(v1.TypeNewMessageNotification), ""); n != 1 {
		t.Fatalf("user room delivered to %d, want 1", n)
	}
	if n := h.Deliver(ConversationRoom("nobody"), testEnvelope(v1.TypeReceiveMessage), ""); n != 0 {
		t.Fatalf("unknown room delivered to %d", n)
	}
}

func TestHub_LeaveAllDropsEmptyRooms(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLog())
	c := NewClient("a", "a-1", 4)
	other := NewClient("b", "b-1", 4)

	h.Join(UserRoom("a"), c)
	h.Join(ConversationRoom("c1"), c)
	h.Join(ConversationRoom("c1"), other)
	if h.Rooms() != 2 {
		t.Fatalf("rooms = %d, want 2", h.Rooms())
	}

	h.LeaveAll("a-1")
	if h.IsMember(ConversationRoom("c1"), "a-1") || h.IsMember(UserRoom("a"), "a-1") {
		t.Fatalf("session still a member after LeaveAll")
	}
	if !h.IsMember(ConversationRoom("c1"), "b-1") {
		t.Fatalf("other member removed")
	}
	if h.Rooms() != 1 {
		t.Fatalf("rooms = %d, want 1", h.Rooms())
	}

	h.Leave(ConversationRoom("c1"), "b-1")
	if h.Rooms() != 0 {
		t.Fatalf("rooms = %d, want 0", h.Rooms())
	}
}

func TestRoom_BroadcastDropsWhenFullOrClosed(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLog())
	full := NewClient("a", "a-1", 1)
	closed := NewClient("b", "b-1", 4)
	closed.Close()

	h.Join("r", full)
	h.Join("r", closed)

	if n := h.Deliver("r", testEnvelope("x"), ""); n != 1 {
		t.Fatalf("first delivery reached %d, want 1", n)
	}
	if n := h.Deliver("r", testEnvelope("x"), ""); n != 0 {
		t.Fatalf("delivery to a full queue reached %d, want 0", n)
	}
	if len(closed.Send) != 0 {
		t.Fatalf("closed client received envelopes")
	}
	if full.Dropped() != 1 || closed.Dropped() != 0 {
		t.Fatalf("dropped full=%d closed=%d, want 1 and 0", full.Dropped(), closed.Dropped())
	}
}

func TestHub_ConcurrentJoinLeaveDeliver(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLog())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewClient("u", "s-"+string(rune('a'+i)), 8)
			for j := 0; j < 100; j++ {
				h.Join("room", c)
				h.Deliver("room", testEnvelope("x"), "")
				h.LeaveAll(c.SessionID)
			}
		}(i)
	}
	wg.Wait()

	if h.Rooms() != 0 {
		t.Fatalf("rooms = %d after all sessions left", h.Rooms())
	}
}
