package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrServerFull,
		ErrDuplicateIdentity,
		ErrNotReady,
		ErrBadRequest,
		ErrRateLimit,
		ErrUnmapped,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestClampTick(t *testing.T) {
	cases := []struct {
		in   int64
		want int32
	}{
		{-5, 0},
		{0, 0},
		{12345, 12345},
		{1 << 40, 1<<31 - 1},
	}
	for _, c := range cases {
		if got := ClampTick(c.in); got != c.want {
			t.Fatalf("ClampTick(%d)=%d want %d", c.in, got, c.want)
		}
	}
	if m := NewAck("ACT", "", "", 3); !m.Accepted {
		t.Fatalf("ack without code must be accepted")
	}
	if m := NewAck("ACT", ErrRateLimit, "queue full", 3); m.Accepted {
		t.Fatalf("ack with code must be rejected")
	}
}
