package replay

import "testing"

func TestProtectionRejectsDuplicate(t *testing.T) {
	p := New()
	dup, err := p.Check(1000)
	if err != nil || dup {
		t.Fatalf("first arrival should be accepted, got dup=%v err=%v", dup, err)
	}
	dup, err = p.Check(1000)
	if err != nil || !dup {
		t.Fatalf("replay should be detected as duplicate, got dup=%v err=%v", dup, err)
	}
}

func TestDisconnectOnVeryOldFrame(t *testing.T) {
	p := New()
	if _, err := p.Check(1000 + BufferSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Check(10); err != ErrWindowExceeded {
		t.Fatalf("expected ErrWindowExceeded, got %v", err)
	}
}

func TestProtectionAcceptsThenRejectsAcrossFullRange(t *testing.T) {
	p := New()
	for i := uint64(1); i < uint64(BufferSize*2); i++ {
		dup, err := p.Check(i)
		if err != nil || dup {
			t.Fatalf("first arrival of %d should be accepted, got dup=%v err=%v", i, dup, err)
		}
		dup, err = p.Check(i)
		if err != nil || !dup {
			t.Fatalf("replay of %d should be duplicate, got dup=%v err=%v", i, dup, err)
		}
	}
}

func TestEachAcceptedFrameRejectsOnlyOnce(t *testing.T) {
	p := New()
	for i := uint64(1); i < uint64(BufferSize); i++ {
		p.Check(i)
		if i > 2 {
			for j := uint64(1); j < i; j++ {
				dup, err := p.Check(j)
				if err != nil || !dup {
					t.Fatalf("Check(%d) after advancing to %d: dup=%v err=%v", j, i, dup, err)
				}
			}
		}
	}
}
