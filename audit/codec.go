package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// CompressionThreshold is the encoded size above which values are
	// zstd-compressed.
	CompressionThreshold = 2048

	// MaxDecodedSize caps a decompressed value.
	MaxDecodedSize = 10 << 20
)

// Value flag bytes.
const (
	flagIdentity byte = 0
	flagZstd     byte = 1
)

var (
	// ErrCorrupted is returned for a value that cannot be decoded.
	ErrCorrupted = errors.New("corrupted journal value")

	// ErrDecompressionBomb is returned when a value inflates past
	// MaxDecodedSize.
	ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")
)

// codec turns terminal results into stored values: a protobuf Struct,
// prefixed with a flag byte and compressed when large.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *codec) encode(r devtoolsrelay.TerminalResult) ([]byte, error) {
	// Round trip through JSON so handler payloads of any Go type become
	// plain maps, slices and scalars that structpb accepts.
	js, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("building struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshaling struct: %w", err)
	}

	if len(data) > CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(data, nil)
			if len(compressed) < len(data) {
				return append([]byte{flagZstd}, compressed...), nil
			}
		}
	}
	return append([]byte{flagIdentity}, data...), nil
}

func (c *codec) decode(value []byte) (devtoolsrelay.TerminalResult, error) {
	var r devtoolsrelay.TerminalResult
	if len(value) == 0 {
		return r, ErrCorrupted
	}

	data := value[1:]
	switch value[0] {
	case flagIdentity:
	case flagZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return r, errors.New("decoder closed")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return r, ErrDecompressionBomb
			}
			return r, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		data = out
	default:
		return r, fmt.Errorf("%w: unknown flag %d", ErrCorrupted, value[0])
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	js, err := json.Marshal(st.AsMap())
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if err := json.Unmarshal(js, &r); err != nil {
		return r, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return r, nil
}
