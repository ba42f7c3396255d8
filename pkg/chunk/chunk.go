// Package chunk persists prototype trees.
//
// A chunk is a fixed header followed by a flags byte, an optional 32-bit
// timestamp, the payload and a 32-byte BLAKE3 trailer:
//
//	header | flags | [timestamp] | payload | digest
//
// The payload is the serialized function tree, zstd-compressed when the
// compressed flag is set. The digest covers every plaintext byte between
// the header and the trailer. In secure mode the payload and the digest
// are XORed with a ChaCha20 keystream derived from the timestamp salt and
// an optional caller key, so a loader must strip the keystream and verify
// the digest before anything is decoded.
package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"

	"github.com/fortiblox/cloak/internal/types"
	"github.com/fortiblox/cloak/pkg/vm"
)

var log = commonlog.GetLogger("cloak.chunk")

var (
	// ErrBadHeader is returned when the signature block does not match.
	ErrBadHeader = errors.New("chunk: bad header")

	// ErrTruncated is returned when the input ends early.
	ErrTruncated = errors.New("chunk: truncated")

	// ErrDigestMismatch is returned when the trailer does not match the
	// payload.
	ErrDigestMismatch = errors.New("chunk: digest mismatch")

	// ErrMalformed is returned when a verified payload does not decode.
	ErrMalformed = errors.New("chunk: malformed payload")
)

// Signature block constants.
const (
	Signature = "\x1bLua"
	Version   = 0x53
	Format    = 0
	Data      = "\x19\x93\r\n\x1a\n"
	CheckInt  = 0x5678
	CheckNum  = 370.5
)

// Flag bits.
const (
	FlagSecure     = 1 << 0
	FlagCompressed = 1 << 1
	FlagTimestamp  = 1 << 2
)

// DigestSize is the trailer size.
const DigestSize = types.DigestSize

// keystreamContext separates the chunk keystream from any other BLAKE3
// derived key.
const keystreamContext = "cloak chunk keystream v1"

var header = func() []byte {
	var b bytes.Buffer
	b.WriteString(Signature)
	b.WriteByte(Version)
	b.WriteByte(Format)
	b.WriteString(Data)
	b.Write([]byte{4, 8, 4, 8, 8}) // int, size_t, Instruction, Integer, Number
	_ = binary.Write(&b, binary.LittleEndian, int64(CheckInt))
	_ = binary.Write(&b, binary.LittleEndian, math.Float64bits(CheckNum))
	return b.Bytes()
}()

// HeaderSize is the size of the fixed signature block.
var HeaderSize = len(header)

// Options controls Dump.
type Options struct {
	// Secure XORs the payload and trailer with a keystream.
	Secure bool

	// Compress zstd-compresses the payload.
	Compress bool

	// Timestamp records a dump-time salt. Secure mode always records one.
	Timestamp bool

	// Now overrides the timestamp source.
	Now func() time.Time

	// Key is mixed into the secure keystream. Load must be given the
	// same key.
	Key []byte

	// Strip omits debug tables.
	Strip bool
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Key must match the key the chunk was dumped with.
	Key []byte
}

// Info describes a loaded chunk.
type Info struct {
	Secure     bool
	Compressed bool
	Timestamp  uint32
	Digest     types.Digest
	Size       int
}

func keystream(ts uint32, key []byte) (*chacha20.Cipher, error) {
	material := make([]byte, 4, 4+len(key))
	binary.LittleEndian.PutUint32(material, ts)
	material = append(material, key...)
	var out [chacha20.KeySize + chacha20.NonceSize]byte
	blake3.DeriveKey(keystreamContext, material, out[:])
	return chacha20.NewUnauthenticatedCipher(out[:chacha20.KeySize], out[chacha20.KeySize:])
}

// Dump writes p to w.
func Dump(w io.Writer, p *vm.Prototype, opts Options) error {
	data, err := Marshal(p, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Marshal returns the chunk encoding of p.
func Marshal(p *vm.Prototype, opts Options) ([]byte, error) {
	var flags byte
	if opts.Secure {
		flags |= FlagSecure
		opts.Timestamp = true
	}
	if opts.Compress {
		flags |= FlagCompressed
	}
	if opts.Timestamp {
		flags |= FlagTimestamp
	}

	enc := &encoder{strip: opts.Strip}
	enc.byte(byte(len(p.Upvalues)))
	enc.function(p, "")
	payload := enc.buf.Bytes()
	if opts.Compress {
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		payload = zw.EncodeAll(payload, nil)
		zw.Close()
	}

	out := make([]byte, 0, HeaderSize+5+len(payload)+DigestSize)
	out = append(out, header...)
	start := len(out)
	out = append(out, flags)
	var ts uint32
	if opts.Timestamp {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		ts = uint32(now().Unix())
		out = binary.LittleEndian.AppendUint32(out, ts)
	}
	body := len(out)
	out = append(out, payload...)
	digest := blake3.Sum256(out[start:])
	out = append(out, digest[:]...)

	if opts.Secure {
		c, err := keystream(ts, opts.Key)
		if err != nil {
			return nil, fmt.Errorf("create keystream: %w", err)
		}
		c.XORKeyStream(out[body:], out[body:])
	}
	return out, nil
}

// Load reads a chunk from r.
func Load(r io.Reader, opts LoadOptions) (*vm.Prototype, *Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return Unmarshal(data, opts)
}

// Unmarshal decodes a chunk. The digest is verified before any prototype
// is built. The input slice is not modified.
func Unmarshal(data []byte, opts LoadOptions) (*vm.Prototype, *Info, error) {
	if len(data) < HeaderSize {
		if bytes.HasPrefix(header, data) {
			return nil, nil, ErrTruncated
		}
		return nil, nil, ErrBadHeader
	}
	if !bytes.Equal(data[:HeaderSize], header) {
		log.Warningf("rejected chunk: bad header")
		return nil, nil, ErrBadHeader
	}
	rest := data[HeaderSize:]
	if len(rest) < 1 {
		return nil, nil, ErrTruncated
	}
	flags := rest[0]
	if flags&^(FlagSecure|FlagCompressed|FlagTimestamp) != 0 {
		log.Warningf("rejected chunk: unknown flags %#x", flags)
		return nil, nil, fmt.Errorf("%w: unknown flags %#x", ErrBadHeader, flags)
	}
	info := &Info{
		Secure:     flags&FlagSecure != 0,
		Compressed: flags&FlagCompressed != 0,
		Size:       len(data),
	}
	body := 1
	if flags&FlagTimestamp != 0 {
		if len(rest) < 5 {
			return nil, nil, ErrTruncated
		}
		info.Timestamp = binary.LittleEndian.Uint32(rest[1:5])
		body = 5
	}
	if len(rest) < body+DigestSize {
		return nil, nil, ErrTruncated
	}

	plain := append([]byte(nil), rest...)
	if info.Secure {
		c, err := keystream(info.Timestamp, opts.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("create keystream: %w", err)
		}
		c.XORKeyStream(plain[body:], plain[body:])
	}
	end := len(plain) - DigestSize
	info.Digest = blake3.Sum256(plain[:end])
	if !bytes.Equal(info.Digest[:], plain[end:]) {
		log.Warningf("rejected chunk: digest mismatch")
		return nil, nil, ErrDigestMismatch
	}

	payload := plain[body:end]
	if info.Compressed {
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		payload, err = zr.DecodeAll(payload, nil)
		zr.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
	}

	dec := &decoder{buf: payload}
	nup := dec.byte()
	p := dec.function("")
	if dec.err != nil {
		return nil, nil, dec.err
	}
	if dec.off != len(payload) {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(payload)-dec.off)
	}
	if int(nup) != len(p.Upvalues) {
		return nil, nil, fmt.Errorf("%w: upvalue count %d, function has %d", ErrMalformed, nup, len(p.Upvalues))
	}
	p.Walk(func(q *vm.Prototype) { q.Prepare() })
	return p, info, nil
}
