package pb

import (
	"bytes"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// SegmentationRequest asks the segmentation service to annotate one frame.
// Only the identifier and the image payload travel; depth and pose stay
// home.
type SegmentationRequest struct {
	FrameIdentifier *FrameIdentifier
	ImageFrame      *ImageFrame
}

func (m *SegmentationRequest) MarshalAppend(b []byte) []byte {
	if m.FrameIdentifier != nil {
		b = appendMessage(b, 1, m.FrameIdentifier)
	}
	if m.ImageFrame != nil {
		b = appendMessage(b, 2, m.ImageFrame)
	}
	return b
}

func (m *SegmentationRequest) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *SegmentationRequest) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.FrameIdentifier = new(FrameIdentifier)
			if err := m.FrameIdentifier.Unmarshal(v); err != nil {
				return err
			}
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ImageFrame = new(ImageFrame)
			if err := m.ImageFrame.Unmarshal(v); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// SegmentationMask is one object mask within an annotation.
type SegmentationMask struct {
	ObjectID   uint32
	MaskData   []byte
	PixelCount uint32
	Confidence float32
}

func (m *SegmentationMask) MarshalAppend(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ObjectID))
	b = appendBytes(b, 2, m.MaskData)
	b = appendUint(b, 3, uint64(m.PixelCount))
	b = appendFloat(b, 4, m.Confidence)
	return b
}

func (m *SegmentationMask) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *SegmentationMask) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ObjectID = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MaskData = bytes.Clone(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.PixelCount = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Confidence = math.Float32frombits(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// SegmentationResponse is one annotation, keyed by the same identifier
// as the frame it describes. It is both the service wire message and the
// sidecar log record.
type SegmentationResponse struct {
	FrameIdentifier *FrameIdentifier
	TriggerType     TriggerType
	Masks           []*SegmentationMask
}

func (m *SegmentationResponse) MarshalAppend(b []byte) []byte {
	if m.FrameIdentifier != nil {
		b = appendMessage(b, 1, m.FrameIdentifier)
	}
	b = appendUint(b, 2, uint64(m.TriggerType))
	for _, mask := range m.Masks {
		b = appendMessage(b, 3, mask)
	}
	return b
}

func (m *SegmentationResponse) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *SegmentationResponse) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.FrameIdentifier = new(FrameIdentifier)
			if err := m.FrameIdentifier.Unmarshal(v); err != nil {
				return err
			}
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.TriggerType = TriggerType(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			mask := new(SegmentationMask)
			if err := mask.Unmarshal(v); err != nil {
				return err
			}
			m.Masks = append(m.Masks, mask)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// ID returns the response's frame identifier, never nil.
func (m *SegmentationResponse) ID() *FrameIdentifier {
	if m.FrameIdentifier == nil {
		return &FrameIdentifier{}
	}
	return m.FrameIdentifier
}
