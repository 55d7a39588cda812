package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingIdentity = ""
	encodingZstd     = "zstd"

	// 过小的正文压缩收益为负，直接原样保存。
	minCompressSize = 128
)

// compressor 包装 zstd 编解码器；EncodeAll/DecodeAll 可并发调用。
type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &compressor{encoder: encoder, decoder: decoder}, nil
}

// compress 返回编码后的正文及其编码名；压缩无收益时保持原样。
func (c *compressor) compress(data []byte) ([]byte, string) {
	if c == nil || len(data) < minCompressSize {
		return data, encodingIdentity
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, encodingIdentity
	}
	return compressed, encodingZstd
}

func (c *compressor) decompress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return data, nil
	case encodingZstd:
		if c == nil {
			return nil, fmt.Errorf("entry is zstd encoded but compression is disabled")
		}
		return c.decoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown entry encoding %q", encoding)
	}
}

func (c *compressor) Close() {
	if c == nil {
		return
	}
	c.encoder.Close()
	c.decoder.Close()
}
