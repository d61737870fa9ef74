package launcher

import "testing"

func TestBoundedBufferCapsAndCounts(t *testing.T) {
	b := newBoundedBuffer(8)
	for _, chunk := range []string{"abcd", "efgh", "ijkl"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("write %q: n=%d err=%v", chunk, n, err)
		}
	}
	if got := b.String(); got != "abcdefgh" {
		t.Fatalf("kept %q", got)
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("dropped %d, want 4", got)
	}
}

func TestBoundedBufferPartialChunk(t *testing.T) {
	b := newBoundedBuffer(3)
	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := b.String(); got != "hel" {
		t.Fatalf("kept %q", got)
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped %d, want 2", got)
	}
}
