package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	inputs := map[string][]byte{
		"simple string":   []byte("hello world, this is a test of the block codecs"),
		"repetitive data": bytes.Repeat([]byte("a"), 4096),
		"empty data":      {},
		"short random":    []byte("82f7b5a3e1d9c0f4"),
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		codec, err := ForType(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, codec.Type())

		for name, data := range inputs {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				var buf bytes.Buffer
				require.NoError(t, codec.Encode(&buf, data))

				out, err := codec.Decode(buf.Bytes(), len(data))
				require.NoError(t, err)
				assert.Equal(t, len(data), len(out))
				assert.True(t, bytes.Equal(data, out))
			})
		}
	}
}

func TestCodecs_WrongLengthRejected(t *testing.T) {
	data := bytes.Repeat([]byte("xyz"), 100)
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionZSTD} {
		codec, err := ForType(ct)
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, codec.Encode(&buf, data))
		_, err = codec.Decode(buf.Bytes(), len(data)+1)
		assert.Error(t, err, ct.String())
	}
}

func TestForType_Unknown(t *testing.T) {
	_, err := ForType(core.CompressionType(42))
	assert.Error(t, err)
}
