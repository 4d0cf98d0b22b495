package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// EncodeAll / DecodeAll 可并发调用，编解码器进程内共享
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// toStored 返回写入冷层的副本，按策略压缩
func toStored(e *Entry, compress bool) *Entry {
	out := e.Clone()
	if compress && !out.Compressed {
		out.Payload = zstdEncoder.EncodeAll(e.Payload, make([]byte, 0, len(e.Payload)/2+16))
		out.Compressed = true
	}
	return out
}

// fromStored 将冷层条目还原为未压缩形式
func fromStored(e *Entry) (*Entry, error) {
	if !e.Compressed {
		return e, nil
	}
	raw, err := zstdDecoder.DecodeAll(e.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: decompress %s: %w", e.Key(), err)
	}
	out := *e
	out.Payload = raw
	out.Compressed = false
	return &out, nil
}
