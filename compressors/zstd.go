package compressors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/klauspost/compress/zstd"
)

var sharedZstd = newZstdCodec()

// zstdCodec pools encoders and decoders; both are expensive to build and
// safe to reuse after Reset.
type zstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCodec() *zstdCodec {
	return &zstdCodec{
		encoders: sync.Pool{New: func() any {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return err
			}
			return enc
		}},
		decoders: sync.Pool{New: func() any {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return err
			}
			return dec
		}},
	}
}

func (c *zstdCodec) Type() core.CompressionType { return core.CompressionZSTD }

func (c *zstdCodec) Encode(dst *bytes.Buffer, src []byte) error {
	v := c.encoders.Get()
	enc, ok := v.(*zstd.Encoder)
	if !ok {
		return fmt.Errorf("zstd encoder unavailable: %v", v)
	}
	defer c.encoders.Put(enc)
	dst.Write(enc.EncodeAll(src, nil))
	return nil
}

func (c *zstdCodec) Decode(src []byte, rawLen int) ([]byte, error) {
	v := c.decoders.Get()
	dec, ok := v.(*zstd.Decoder)
	if !ok {
		return nil, fmt.Errorf("zstd decoder unavailable: %v", v)
	}
	defer c.decoders.Put(dec)
	out, err := dec.DecodeAll(src, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zstd block decoded to %d bytes, want %d", len(out), rawLen)
	}
	return out, nil
}
