package archive

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Records use Core Deterministic Encoding so the same session always
// archives to the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

func encode(rec Record) ([]byte, error) {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode archive record: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decode(data []byte) (Record, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Record{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var rec Record
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode archive record: %w", err)
	}
	return rec, nil
}
