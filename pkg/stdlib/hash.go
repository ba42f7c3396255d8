package stdlib

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/cloak/pkg/vm"
)

// Digest functions exposed by the hash library.
var digests = []struct {
	name string
	sum  func([]byte) []byte
}{
	{"sha256", func(b []byte) []byte { h := sha256.Sum256(b); return h[:] }},
	{"blake3", func(b []byte) []byte { h := blake3.Sum256(b); return h[:] }},
	{"keccak256", func(b []byte) []byte {
		h := sha3.NewLegacyKeccak256()
		h.Write(b)
		return h.Sum(nil)
	}},
	{"sha3_256", func(b []byte) []byte { h := sha3.Sum256(b); return h[:] }},
}

func (r *Registry) registerHash() {
	lib := r.library(LibHash)
	for _, d := range digests {
		sum := d.sum
		r.register(lib, d.name, func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
			data, err := checkString(t, args, 1)
			if err != nil {
				return nil, err
			}
			if m := t.State().Meter(); m != nil {
				if err := m.Consume(CUHashBase + CUHashPerWord*uint64(len(data)/64)); err != nil {
					return nil, err
				}
			}
			h := sum([]byte(data))
			if vm.Truthy(arg(args, 2)) {
				return values(string(h)), nil
			}
			return values(hex.EncodeToString(h)), nil
		})
	}
}
