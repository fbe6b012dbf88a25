package bus

import (
	"fmt"
	"testing"
	"time"

	"gridlink/msg"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := StartEmbedded(14229)
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestSendRecv(t *testing.T) {
	b := startTestBus(t)
	box, err := b.Open("d1", 16)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}

	env := &msg.Envelope{
		Type:     msg.ReadGroup,
		Sender:   "a1",
		Receiver: "d1",
		Context:  "ctx",
		Body:     &msg.ReadGroupBody{Driver: "d1", Group: "g1"},
	}
	if err := b.Send("d1", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-box.Chan():
		if got.Type != msg.ReadGroup || got.Sender != "a1" {
			t.Errorf("envelope mismatch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery within 2s")
	}
}

func TestSenderOrdering(t *testing.T) {
	b := startTestBus(t)
	box, err := b.Open("app", 256)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		env := &msg.Envelope{
			Type:     msg.TransData,
			Sender:   "d1",
			Receiver: "app",
			Body:     &msg.TransDataBody{Driver: "d1", Group: "g1", Timestamp: int64(i)},
		}
		if err := b.Send("app", env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-box.Chan():
			ts := got.Body.(*msg.TransDataBody).Timestamp
			if ts != int64(i) {
				t.Fatalf("out of order: expected %d, got %d", i, ts)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing envelope %d", i)
		}
	}
}

func TestMailboxOverflowDrops(t *testing.T) {
	b := startTestBus(t)
	box, err := b.Open("slow", 4)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}

	for i := 0; i < 64; i++ {
		env := &msg.Envelope{Type: msg.TransData, Sender: "d1", Receiver: "slow",
			Body: &msg.TransDataBody{Timestamp: int64(i)}}
		b.Send("slow", env)
	}

	// Wait for deliveries to settle.
	deadline := time.Now().Add(2 * time.Second)
	for box.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if box.Dropped() == 0 {
		t.Fatal("expected overflow drops")
	}
	if len(box.Chan()) != 4 {
		t.Errorf("expected full mailbox of 4, got %d", len(box.Chan()))
	}
}

func TestDuplicateBind(t *testing.T) {
	b := startTestBus(t)
	if _, err := b.Open("dup", 4); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := b.Open("dup", 4); err == nil {
		t.Error("expected error on duplicate bind")
	}
}

func TestRename(t *testing.T) {
	b := startTestBus(t)
	box, err := b.Open("before", 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := box.Rename("after"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	env := &msg.Envelope{Type: msg.NodeDeleted, Sender: "manager", Receiver: "after",
		Body: &msg.NodeDeletedBody{Node: "d1"}}
	if err := b.Send("after", env); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-box.Chan():
		if got.Type != msg.NodeDeleted {
			t.Errorf("wrong envelope: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("renamed mailbox did not receive")
	}

	// The old name can be bound again.
	if _, err := b.Open("before", 4); err != nil {
		t.Errorf("old name still bound: %v", err)
	}
}

func TestManyMailboxes(t *testing.T) {
	b := startTestBus(t)
	for i := 0; i < 20; i++ {
		if _, err := b.Open(fmt.Sprintf("node-%d", i), 8); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
}
