package retention

import (
	"github.com/klauspost/compress/s2"
)

// Compress packs a payload blob with s2. Collections holding large
// payloads can use this in their compaction callback to trade CPU for
// memory.
func Compress(data []byte) []byte {
	return s2.Encode(nil, data)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
