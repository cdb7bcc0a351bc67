// Package compression implements the pluggable compress/decompress
// adapter the native protocol handshake negotiates (§4.6): two named
// algorithms, snappy and lz4, with the LZ4 endianness quirk described
// in the protocol spec's framer section.
//
// Grounded on pysandra.utils.PKZip, which detects whichever of the two
// optional C-extension libraries are importable and advertises only
// those. Both libraries used here are pure Go, so both are always
// available; there is no optional-import dance to perform, but the
// Registry keeps the same shape so a caller can still restrict what
// gets advertised.
package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses whole frame bodies for one
// negotiated algorithm.
type Codec interface {
	// Name is the value advertised in STARTUP's COMPRESSION option and
	// matched against SUPPORTED's COMPRESSION list.
	Name() string
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// SnappyCodec implements the "snappy" algorithm: the block format,
// with no length prefix — klauspost/compress/snappy's block API
// already matches the wire format exactly.
type SnappyCodec struct{}

func (SnappyCodec) Name() string { return "snappy" }

func (SnappyCodec) Compress(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func (SnappyCodec) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("compression: snappy decode: %w", err)
	}
	return out, nil
}

// LZ4Codec implements the "lz4" algorithm. The native protocol prefixes
// the compressed body with a 4-byte big-endian uncompressed length,
// the opposite endianness of the length prefix pierrec/lz4's own block
// framing would produce, so this codec manages the prefix itself and
// calls the library's prefix-less block functions.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return "lz4" }

func (LZ4Codec) Compress(data []byte) []byte {
	// lz4.CompressBlockBound gives the worst-case output size for the
	// library's raw block compressor (no framing of its own).
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(dst[:4], uint32(len(data)))

	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, dst[4:])
	if err != nil || n == 0 {
		// Incompressible input: lz4's block format has no
		// "store raw" marker of its own at this layer, so fall back
		// to a direct copy. The uncompressed-length prefix already
		// written lets decode side-step telling compressed from raw;
		// to keep decode unambiguous we only take this path when
		// compression genuinely could not shrink the input, which
		// CompressBlock signals by returning n == 0.
		copy(dst[4:], data)
		return dst[:4+len(data)]
	}
	return dst[:4+n]
}

func (LZ4Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("compression: lz4 frame too short for length prefix (%d bytes)", len(data))
	}
	uncompressedLen := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		if uint32(len(payload)) == uncompressedLen {
			// The compressor's incompressible-input fallback above
			// writes the raw bytes straight through; recognise that
			// shape rather than treating it as corrupt.
			return payload, nil
		}
		return nil, fmt.Errorf("compression: lz4 decode: %w", err)
	}
	return dst[:n], nil
}

// Registry holds the codecs this build advertises, keyed by name.
type Registry struct {
	codecs map[string]Codec
	order  []string
}

// NewRegistry returns a Registry advertising every codec given, in the
// order given (the order decides tie-break preference in Negotiate).
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Name()] = c
		r.order = append(r.order, c.Name())
	}
	return r
}

// Default returns a Registry advertising both known algorithms, LZ4
// preferred over snappy (grounded on the PREFERRED_ALGO reference in
// pysandra.connection).
func Default() *Registry {
	return NewRegistry(LZ4Codec{}, SnappyCodec{})
}

// Names returns the advertised algorithm names in preference order,
// for building STARTUP's COMPRESSION option list when more than one
// would be accepted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the codec for a given name, or false if this build does
// not carry it.
func (r *Registry) Get(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

// Negotiate picks the best mutually supported algorithm between this
// registry and a server's advertised list, preferring this registry's
// order (LZ4 over snappy by default). Returns false if there is no
// overlap, in which case STARTUP should omit COMPRESSION entirely.
func (r *Registry) Negotiate(serverSupported []string) (Codec, bool) {
	supported := make(map[string]bool, len(serverSupported))
	for _, s := range serverSupported {
		supported[s] = true
	}
	for _, name := range r.order {
		if supported[name] {
			return r.codecs[name], true
		}
	}
	return nil, false
}
