package codec

import "testing"

func TestUvarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range cases {
		buf := PutUvarint(nil, v)
		got, n, err := Uvarint(buf)
		if err != nil {
			t.Fatalf("Uvarint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("Uvarint(%d) = (%d, %d), want (%d, %d)", v, got, n, v, len(buf))
		}
	}
}

func TestVarintRoundTripSigned(t *testing.T) {
	cases := []int64{0, 1, -1, 127, -127, 1 << 30, -(1 << 30)}
	for _, v := range cases {
		buf := PutVarint(nil, v)
		got, n, err := Varint(buf)
		if err != nil {
			t.Fatalf("Varint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("Varint(%d) = (%d, %d), want (%d, %d)", v, got, n, v, len(buf))
		}
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := PutUvarint(nil, 1<<20)
	if _, _, err := Uvarint(buf[:1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestUvarintSmallEncodesOneByte(t *testing.T) {
	buf := PutUvarint(nil, 5)
	if len(buf) != 1 || buf[0] != 5 {
		t.Fatalf("expected single byte [5], got %v", buf)
	}
}
