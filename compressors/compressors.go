// Package compressors holds the block codecs used for checkpoint parts.
package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
)

// Codec compresses whole blocks. Decode receives the uncompressed length
// recorded next to the block so block formats that do not store it can
// allocate exactly once.
type Codec interface {
	Type() core.CompressionType
	Encode(dst *bytes.Buffer, src []byte) error
	Decode(src []byte, rawLen int) ([]byte, error)
}

// ForType returns the codec for ct.
func ForType(ct core.CompressionType) (Codec, error) {
	switch ct {
	case core.CompressionNone:
		return noneCodec{}, nil
	case core.CompressionSnappy:
		return snappyCodec{}, nil
	case core.CompressionLZ4:
		return lz4Codec{}, nil
	case core.CompressionZSTD:
		return sharedZstd, nil
	}
	return nil, fmt.Errorf("compressors: unsupported compression type %d", ct)
}

type noneCodec struct{}

func (noneCodec) Type() core.CompressionType { return core.CompressionNone }

func (noneCodec) Encode(dst *bytes.Buffer, src []byte) error {
	_, err := dst.Write(src)
	return err
}

func (noneCodec) Decode(src []byte, rawLen int) ([]byte, error) {
	if len(src) != rawLen {
		return nil, fmt.Errorf("uncompressed block is %d bytes, want %d", len(src), rawLen)
	}
	out := make([]byte, rawLen)
	copy(out, src)
	return out, nil
}
