package keys

import (
	"math"
	"testing"
)

// TestWordRoundTrip tests decrypt(encrypt(w)) == w for many words, indices
// and keys.
func TestWordRoundTrip(t *testing.T) {
	src := NewFixedSource(1)
	for n := 0; n < 5000; n++ {
		w := src.Uint32()
		idx := src.Intn(1 << 16)
		key := src.Uint32()
		enc := EncryptWord(w, idx, key)
		if got := DecryptWord(enc, idx, key); got != w {
			t.Fatalf("DecryptWord(EncryptWord(%#x, %d, %#x)) = %#x", w, idx, key, got)
		}
	}
}

// TestWordPositionDependent tests that identical words encrypt differently
// at different indices.
func TestWordPositionDependent(t *testing.T) {
	const w, key = 0x00000001, 0xCAFEBABE
	seen := make(map[uint32]int)
	for idx := 0; idx < 256; idx++ {
		enc := EncryptWord(w, idx, key)
		if prev, ok := seen[enc]; ok {
			t.Errorf("index %d and %d encrypt to the same word %#x", prev, idx, enc)
		}
		seen[enc] = idx
	}
}

// TestDeriveDependsOnFeatures tests the key changes with function shape.
func TestDeriveDependsOnFeatures(t *testing.T) {
	a := Derive(7, 9, Features(10, 3, 1))
	b := Derive(7, 9, Features(11, 3, 1))
	c := Derive(7, 9, Features(10, 3, 2))
	if a == b || a == c {
		t.Errorf("Derive ignores features: %#x %#x %#x", a, b, c)
	}
	if a != Derive(7, 9, Features(10, 3, 1)) {
		t.Error("Derive is not deterministic")
	}
}

// TestIntRoundTrip tests the affine integer transform.
func TestIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 10, 20, math.MaxInt64, math.MinInt64, 0x5678}
	for _, key := range []uint64{0, 1, 0xFFFFFFFFFFFFFFFF, Wide(0x1234, 0x99)} {
		for _, v := range values {
			enc := EncryptInt(v, key)
			if got := DecryptInt(enc, key); got != v {
				t.Errorf("DecryptInt(EncryptInt(%d)) = %d with key %#x", v, got, key)
			}
		}
	}
	if EncryptInt(10, 0) == 10 || EncryptInt(20, 0) == 20 {
		t.Error("EncryptInt left a small constant unchanged")
	}
}

// TestFloatRoundTrip tests the float transform is exact.
func TestFloatRoundTrip(t *testing.T) {
	key := Wide(0xABCD, 0x42)
	for _, f := range []float64{0, math.Copysign(0, -1), 1.5, -370.5, math.Inf(1), math.MaxFloat64} {
		got := CryptFloat(CryptFloat(f, key), key)
		if math.Float64bits(got) != math.Float64bits(f) {
			t.Errorf("CryptFloat round trip of %v = %v", f, got)
		}
	}
	nan := math.NaN()
	if got := CryptFloat(CryptFloat(nan, key), key); math.Float64bits(got) != math.Float64bits(nan) {
		t.Errorf("CryptFloat changed NaN payload")
	}
}

// TestStringRoundTrip tests the string keystream.
func TestStringRoundTrip(t *testing.T) {
	key := Wide(1, 2)
	for i, s := range []string{"", "x", "print", "a somewhat longer constant string"} {
		enc := CryptString(s, key, i)
		if len(s) > 0 && enc == s {
			t.Errorf("CryptString(%q) left it unchanged", s)
		}
		if got := CryptString(enc, key, i); got != s {
			t.Errorf("CryptString round trip = %q, want %q", got, s)
		}
	}
	if CryptString("same", key, 0) == CryptString("same", key, 1) {
		t.Error("CryptString ignores the constant index")
	}
}

// TestFixedSource tests that fixed sources are reproducible.
func TestFixedSource(t *testing.T) {
	a, b := NewFixedSource(42), NewFixedSource(42)
	for i := 0; i < 100; i++ {
		if x, y := a.Uint64(), b.Uint64(); x != y {
			t.Fatalf("draw %d: %#x != %#x", i, x, y)
		}
	}
	if NewFixedSource(1).Uint64() == NewFixedSource(2).Uint64() {
		t.Error("different seeds produced the same first draw")
	}
	for i := 0; i < 1000; i++ {
		if v := a.Intn(7); v < 0 || v >= 7 {
			t.Fatalf("Intn(7) = %d", v)
		}
	}
}

// TestDefaultSourceOnce tests the process source is a singleton.
func TestDefaultSourceOnce(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different sources")
	}
}
