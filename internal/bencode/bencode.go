// Package bencode wraps github.com/jackpal/bencode-go for the HTTP codec's
// bencoded dictionaries (BEP 3).
package bencode

import (
	"bytes"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// Marshal encodes v as bencode. Struct fields are tagged with
// `bencode:"name"`.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bencoded data from r into v.
func Unmarshal(r io.Reader, v any) error {
	return bencode.Unmarshal(r, v)
}
