// Package pb holds the wire messages exchanged with devices, dashboards,
// and the segmentation service, plus the records persisted in recordings
// and annotation sidecars.
//
// The types implement the schema in proto/vision.proto by hand on top of
// google.golang.org/protobuf/encoding/protowire, so the repository builds
// without a protoc step. Field numbers must stay in sync with the .proto
// file. Unknown fields are skipped on decode.
package pb

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every wire type in this package.
type Message interface {
	MarshalAppend(b []byte) []byte
	Unmarshal(data []byte) error
}

// ImageFormat tags the encoding of an ImageFrame payload.
type ImageFormat uint32

const (
	ImageFormatUnknown ImageFormat = 0
	ImageFormatJPEG    ImageFormat = 1
	ImageFormatPNG     ImageFormat = 2
)

// DepthFormat tags the encoding of a DepthFrame payload.
type DepthFormat uint32

const (
	DepthFormatUnknown DepthFormat = 0
	// DepthFormatU16MM is 16-bit little-endian millimeters per pixel.
	DepthFormatU16MM DepthFormat = 1
)

// TriggerType is the cause of a segmentation annotation.
type TriggerType uint32

const (
	TriggerUnknown     TriggerType = 0
	TriggerPoint       TriggerType = 1
	TriggerText        TriggerType = 2
	TriggerAutoGrid    TriggerType = 3
	TriggerPropagation TriggerType = 4
)

func (t TriggerType) String() string {
	switch t {
	case TriggerPoint:
		return "point"
	case TriggerText:
		return "text"
	case TriggerAutoGrid:
		return "auto_grid"
	case TriggerPropagation:
		return "propagation"
	default:
		return "unknown"
	}
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.MarshalAppend(nil))
}
