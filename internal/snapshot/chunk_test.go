package snapshot

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"headlesshost.io/internal/protocol"
)

func TestSplit_RoundTripSizes(t *testing.T) {
	const n = 1000
	for _, size := range []int{0, 1, n, n + 1, 5 * n} {
		s := strings.Repeat("abcdefghij", size/10+1)[:size]
		chunks := Split("t1", s, n)
		if len(chunks) == 0 {
			t.Fatalf("len=%d: no chunks", size)
		}
		a := NewAssembler()
		var got string
		var done bool
		for i, c := range chunks {
			if len(c.Payload) > n {
				t.Fatalf("len=%d: chunk %d has %d bytes > %d", size, i, len(c.Payload), n)
			}
			if int(c.Index) != i || int(c.TotalChunks) != len(chunks) {
				t.Fatalf("len=%d: chunk %d header %d/%d", size, i, c.Index, c.TotalChunks)
			}
			var err error
			got, done, err = a.Add("p1", c)
			if err != nil {
				t.Fatalf("len=%d: add: %v", size, err)
			}
			if done != (i == len(chunks)-1) {
				t.Fatalf("len=%d: done=%v at chunk %d", size, done, i)
			}
		}
		if got != s {
			t.Fatalf("len=%d: reconstructed %d bytes, mismatch", size, len(got))
		}
	}
}

func TestSplit_75000By30000(t *testing.T) {
	s := strings.Repeat("x", 75000)
	chunks := Split("t1", s, 30000)
	want := []int{30000, 30000, 15000}
	if len(chunks) != len(want) {
		t.Fatalf("chunks=%d want 3", len(chunks))
	}
	var b strings.Builder
	for i, c := range chunks {
		if len(c.Payload) != want[i] {
			t.Fatalf("chunk %d size=%d want %d", i, len(c.Payload), want[i])
		}
		if c.Type != protocol.TypeChunk || c.TransferID != "t1" {
			t.Fatalf("chunk %d header=%+v", i, c)
		}
		b.WriteString(c.Payload)
	}
	if b.String() != s {
		t.Fatalf("reconstruction mismatch")
	}
}

func TestSplit_NeverCutsRunes(t *testing.T) {
	s := strings.Repeat("héllo wörld ✓ ", 50)
	for _, size := range []int{1, 2, 3, 7, 64} {
		var b strings.Builder
		for _, c := range Split("t", s, size) {
			if !utf8.ValidString(c.Payload) {
				t.Fatalf("size=%d: invalid utf8 chunk %q", size, c.Payload)
			}
			b.WriteString(c.Payload)
		}
		if b.String() != s {
			t.Fatalf("size=%d: mismatch", size)
		}
	}
}

func TestSplit_ChunksStayWithinSize(t *testing.T) {
	s := strings.Repeat("€", 10) + "a😀b"
	for _, size := range []int{1, 2, 3, 4, 5, 6, 9} {
		limit := size
		if limit < utf8.UTFMax {
			limit = utf8.UTFMax
		}
		var b strings.Builder
		for _, c := range Split("t", s, size) {
			if len(c.Payload) > limit {
				t.Fatalf("size=%d: chunk %q is %d bytes", size, c.Payload, len(c.Payload))
			}
			b.WriteString(c.Payload)
		}
		if b.String() != s {
			t.Fatalf("size=%d: mismatch", size)
		}
	}
	if got := Split("t", "€€", 2); len(got) != 2 || got[0].Payload != "€" {
		t.Fatalf("chunks=%+v", got)
	}
}

func TestAssembler_OutOfOrderAndDuplicates(t *testing.T) {
	s := strings.Repeat("0123456789", 10)
	chunks := Split("t1", s, 15)
	a := NewAssembler()

	order := []int{6, 0, 3, 3, 1, 5, 0, 2, 4}
	var got string
	completions := 0
	for _, i := range order {
		data, done, err := a.Add("p1", chunks[i])
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if done {
			completions++
			got = data
		}
	}
	if completions != 1 || got != s {
		t.Fatalf("completions=%d match=%v", completions, got == s)
	}
	// A replayed chunk of a finished transfer is ignored.
	if _, done, err := a.Add("p1", chunks[2]); done || err != nil {
		t.Fatalf("replay after completion done=%v err=%v", done, err)
	}
}

func TestAssembler_IncompleteAndRestart(t *testing.T) {
	s := strings.Repeat("z", 90)
	old := Split("old", s, 30)
	a := NewAssembler()
	if _, _, err := a.Add("p1", old[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.Check("p1"); !errors.Is(err, ErrTransferIncomplete) {
		t.Fatalf("check err=%v want ErrTransferIncomplete", err)
	}

	// A new transfer id replaces the partial session.
	fresh := Split("new", s, 30)
	var got string
	for _, c := range fresh {
		data, done, err := a.Add("p1", c)
		if err != nil {
			t.Fatalf("add fresh: %v", err)
		}
		if done {
			got = data
		}
	}
	if got != s {
		t.Fatalf("fresh transfer mismatch")
	}
	if err := a.Check("p1"); err != nil {
		t.Fatalf("check after completion: %v", err)
	}
}

func TestAssembler_KeysAreIndependent(t *testing.T) {
	a := NewAssembler()
	c1 := Split("t", "aaaabbbb", 4)
	c2 := Split("t", "ccccdddd", 4)
	_, _, _ = a.Add("p1", c1[0])
	_, _, _ = a.Add("p2", c2[1])
	d1, done1, _ := a.Add("p1", c1[1])
	d2, done2, _ := a.Add("p2", c2[0])
	if !done1 || !done2 || d1 != "aaaabbbb" || d2 != "ccccdddd" {
		t.Fatalf("p1=%q/%v p2=%q/%v", d1, done1, d2, done2)
	}
}

func TestAssembler_RejectsBadChunks(t *testing.T) {
	a := NewAssembler()
	cases := []protocol.ChunkMsg{
		{TransferID: "t", Index: 0, TotalChunks: 0},
		{TransferID: "t", Index: 3, TotalChunks: 3},
	}
	for _, c := range cases {
		if _, _, err := a.Add("p1", c); !errors.Is(err, ErrBadChunk) {
			t.Fatalf("chunk %+v err=%v want ErrBadChunk", c, err)
		}
	}
	if _, _, err := a.Add("p1", protocol.ChunkMsg{TransferID: "t", Index: 0, TotalChunks: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := a.Add("p1", protocol.ChunkMsg{TransferID: "t", Index: 1, TotalChunks: 4}); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("changed total err=%v", err)
	}
}
