package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	lz4 "github.com/pierrec/lz4/v4"
)

const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
)

// lz4Codec writes a one-byte mode ahead of the block because
// lz4.CompressBlock reports incompressible input by returning zero.
type lz4Codec struct{}

func (lz4Codec) Type() core.CompressionType { return core.CompressionLZ4 }

func (lz4Codec) Encode(dst *bytes.Buffer, src []byte) error {
	tmp := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, tmp, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		dst.WriteByte(lz4Stored)
		dst.Write(src)
		return nil
	}
	dst.WriteByte(lz4Compressed)
	dst.Write(tmp[:n])
	return nil
}

func (lz4Codec) Decode(src []byte, rawLen int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("lz4 block missing mode byte")
	}
	mode, body := src[0], src[1:]
	switch mode {
	case lz4Stored:
		return noneCodec{}.Decode(body, rawLen)
	case lz4Compressed:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("lz4 block decoded to %d bytes, want %d", n, rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("lz4 block has unknown mode %d", mode)
}
