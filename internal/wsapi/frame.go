package wsapi

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Framer encodes outbound push payloads either as raw JSON (text frames)
// or msgpack-in-zlib (binary frames), per §6.
type Framer struct {
	Msgpack bool
}

// MessageType is the gorilla/websocket frame type matching the encoding.
func (f *Framer) MessageType() int {
	if f.Msgpack {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Encode serializes v per the configured framing.
func (f *Framer) Encode(v interface{}) ([]byte, error) {
	if !f.Msgpack {
		return json.Marshal(v)
	}
	packed, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(packed); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func (f *Framer) Decode(data []byte, v interface{}) error {
	if !f.Msgpack {
		return json.Unmarshal(data, v)
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(raw, v)
}
