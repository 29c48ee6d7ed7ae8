package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	EncodingText = "text"
	EncodingBlob = "blob"
)

var errEmptyVector = errors.New("empty embedding")

// EncodeVector serializes v for storage. Text encoding is the bracketed
// form pgvector prints ("[0.1,0.2]"); blob encoding is little-endian float32.
func EncodeVector(v []float32, encoding string) (any, error) {
	switch encoding {
	case EncodingText, "":
		return formatVector(v), nil
	case EncodingBlob:
		return float32ToBytes(v), nil
	default:
		return nil, fmt.Errorf("unknown vector encoding %q", encoding)
	}
}

// DecodeVector parses a stored embedding. Values that are not finite are
// rejected along with malformed syntax.
func DecodeVector(raw []byte, encoding string) ([]float32, error) {
	var (
		vec []float32
		err error
	)
	switch encoding {
	case EncodingText, "":
		vec, err = parseVector(raw)
	case EncodingBlob:
		vec, err = bytesToFloat32(raw)
	default:
		return nil, fmt.Errorf("unknown vector encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errEmptyVector
	}
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("component %d is not finite", i)
		}
	}
	return vec, nil
}

func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector accepts the pgvector text form. It is a JSON number array.
func parseVector(raw []byte) ([]float32, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "[]" {
		return nil, errEmptyVector
	}
	var floats []float32
	if err := json.Unmarshal([]byte(s), &floats); err != nil {
		return nil, fmt.Errorf("parsing embedding: %w", err)
	}
	return floats, nil
}

func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
