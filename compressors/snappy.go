package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/golang/snappy"
)

// snappyCodec uses the snappy block format, which is what snappy.Decode
// understands; the framed stream writer would not round-trip here.
type snappyCodec struct{}

func (snappyCodec) Type() core.CompressionType { return core.CompressionSnappy }

func (snappyCodec) Encode(dst *bytes.Buffer, src []byte) error {
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (snappyCodec) Decode(src []byte, rawLen int) ([]byte, error) {
	out, err := snappy.Decode(make([]byte, rawLen), src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("snappy block decoded to %d bytes, want %d", len(out), rawLen)
	}
	return out, nil
}
