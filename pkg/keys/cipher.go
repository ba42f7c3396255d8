package keys

import (
	"math"
	"math/bits"
)

// Cipher constants.
const (
	golden32  = 0x9E3779B9
	golden64  = 0x9E3779B97F4A7C15
	wordAdd   = 0x12345678
	wordWhite = 0x55555555

	// PoolTweak is mixed into the function key for hidden-pool words so a
	// pool word and a main-stream word at the same index use different keys.
	PoolTweak = 0x6A09E667

	intAdd = 0x123456789ABCDEF0
	intXor = 0xDEADBEEFCAFEBABE
	intMul = 3
	intInv = 0xAAAAAAAAAAAAAAAB // intMul * intInv == 1 mod 2^64
)

// fmix32 is the MurmurHash3 32-bit finaliser.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85EBCA6B
	h ^= h >> 13
	h *= 0xC2B2AE35
	h ^= h >> 16
	return h
}

// Features folds the structural shape of a function into one word.
func Features(sizeCode, sizeK, numParams int) uint32 {
	return uint32(sizeCode) ^ uint32(sizeK) ^ uint32(numParams)<<16
}

// Derive computes the per-function key from the stored seed and salt and
// the function's structural features. It depends on nothing else, so a
// loader can recompute it from a deserialized prototype.
func Derive(seed, salt, features uint32) uint32 {
	return fmix32(seed ^ salt ^ features)
}

// Wide widens a function key to the 64-bit key used for constants.
func Wide(key, salt uint32) uint64 {
	return uint64(fmix32(key^salt^golden32))<<32 | uint64(key)
}

func wordKey(key uint32, idx int) uint32 {
	return key ^ uint32(idx)*golden32
}

// EncryptWord mixes an instruction word with the key and its index.
func EncryptWord(w uint32, idx int, key uint32) uint32 {
	k := wordKey(key, idx)
	w ^= k
	w += wordAdd
	w = bits.RotateLeft32(w, 13)
	w ^= k
	w -= wordAdd
	w = bits.RotateLeft32(w, 7)
	return w ^ wordWhite
}

// DecryptWord is the inverse of EncryptWord.
func DecryptWord(w uint32, idx int, key uint32) uint32 {
	k := wordKey(key, idx)
	w ^= wordWhite
	w = bits.RotateLeft32(w, -7)
	w += wordAdd
	w ^= k
	w = bits.RotateLeft32(w, -13)
	w -= wordAdd
	return w ^ k
}

// EncryptInt applies the affine integer transform.
func EncryptInt(v int64, key uint64) int64 {
	u := uint64(v)*intMul + intAdd
	return int64(u ^ intXor ^ key)
}

// DecryptInt is the inverse of EncryptInt.
func DecryptInt(v int64, key uint64) int64 {
	u := (uint64(v) ^ intXor ^ key) - intAdd
	return int64(u * intInv)
}

// CryptFloat XORs the IEEE-754 bits of f with a key-derived mask. It is
// its own inverse and never changes precision.
func CryptFloat(f float64, key uint64) float64 {
	return math.Float64frombits(math.Float64bits(f) ^ bits.RotateLeft64(key, 17) ^ golden64)
}

// CryptString XORs s with a keystream derived from key and the constant's
// index. It is its own inverse.
func CryptString(s string, key uint64, index int) string {
	b := []byte(s)
	x := key ^ uint64(index)*golden64
	var word uint64
	for i := range b {
		if i%8 == 0 {
			x = splitmix64(x)
			word = x
		}
		b[i] ^= byte(word)
		word >>= 8
	}
	return string(b)
}
