// Package codec is the JSON codec shared by sources, sinks and HTTP endpoints.
package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var std = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return std.NewDecoder(r).Decode(v)
}
