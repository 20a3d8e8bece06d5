package tile

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses tile payloads with zstd. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	scratch sync.Pool
}

func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{
		encoder: encoder,
		decoder: decoder,
		scratch: sync.Pool{New: func() any {
			b := make([]byte, 0, dataBytes)
			return &b
		}},
	}, nil
}

func (c *Codec) Encode(d *Data) []byte {
	buf := c.scratch.Get().(*[]byte)
	defer c.scratch.Put(buf)

	*buf = d.AppendBinary((*buf)[:0])
	return c.encoder.EncodeAll(*buf, make([]byte, 0, len(*buf)/4))
}

func (c *Codec) Decode(payload []byte, d *Data) error {
	buf := c.scratch.Get().(*[]byte)
	defer c.scratch.Put(buf)

	raw, err := c.decoder.DecodeAll(payload, (*buf)[:0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptData, err)
	}
	*buf = raw
	return d.UnmarshalBinary(raw)
}

func (c *Codec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
