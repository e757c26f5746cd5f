package lib

import (
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

func TestResendPacketsRemoveAcked(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewResendPackets(nil)
	r.AddSentPacket(0xFFFFFFFE, true, false, nil, now)            // [fffffffe, ffffffff)
	r.AddSentPacket(0xFFFFFFFF, false, false, []byte("abc"), now) // [ffffffff, 2)
	r.AddSentPacket(2, false, true, nil, now)                     // [2, 3)

	tests := []struct {
		una       seqnum.Value
		removed   int
		remaining int
	}{
		{0xFFFFFFFE, 0, 3},
		{0, 1, 2}, // partial ack of the data segment keeps it
		{2, 1, 1},
		{3, 1, 0},
	}
	for _, test := range tests {
		if removed := r.RemoveAcked(test.una); removed != test.removed || r.Len() != test.remaining {
			t.Errorf("For una %d, expected %d removed and %d left, but got %d and %d", test.una, test.removed, test.remaining, removed, r.Len())
		}
	}
}

func TestResendPacketsExpired(t *testing.T) {
	start := time.Unix(0, 0)
	r := NewResendPackets(nil)
	r.AddSentPacket(1, false, false, []byte("first"), start)
	r.AddSentPacket(6, false, false, []byte("second"), start.Add(500*time.Millisecond))

	expired := r.Expired(start.Add(time.Second), time.Second)
	if len(expired) != 1 || string(expired[0].Payload()) != "first" {
		t.Fatalf("expected only the first segment to expire, but got %d", len(expired))
	}

	r.UpdateSentPacket(expired[0], start.Add(time.Second))
	if expired[0].ResendCount != 1 {
		t.Errorf("expected resend count 1, but got %d", expired[0].ResendCount)
	}
	if got := r.Expired(start.Add(1500*time.Millisecond), time.Second); len(got) != 1 || got[0].Seq != 6 {
		t.Errorf("expected the second segment to expire next")
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("expected an empty queue, but got %d", r.Len())
	}
}

func TestResendPacketsCopiesPayload(t *testing.T) {
	r := NewResendPackets(nil)
	data := []byte("mutable")
	r.AddSentPacket(1, false, false, data, time.Unix(0, 0))
	data[0] = 'M'
	if got := string(r.Expired(time.Unix(10, 0), time.Second)[0].Payload()); got != "mutable" {
		t.Errorf("queued payload aliases the caller's buffer: %q", got)
	}
}
