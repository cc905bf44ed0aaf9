package pb

import (
	"bytes"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameIdentifier is the correlation key between frames and annotations.
// (TimestampNs, FrameNumber) is unique within a session; DeviceID is
// informational only.
type FrameIdentifier struct {
	TimestampNs uint64
	FrameNumber uint64
	DeviceID    string
}

func (m *FrameIdentifier) MarshalAppend(b []byte) []byte {
	b = appendUint(b, 1, m.TimestampNs)
	b = appendUint(b, 2, m.FrameNumber)
	b = appendString(b, 3, m.DeviceID)
	return b
}

func (m *FrameIdentifier) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *FrameIdentifier) Unmarshal(data []byte) error {
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
			m.TimestampNs = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.FrameNumber = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.DeviceID = string(v)
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

// ImageFrame is an encoded camera image payload.
type ImageFrame struct {
	Data    []byte
	Format  ImageFormat
	Width   uint32
	Height  uint32
	Quality uint32
}

func (m *ImageFrame) MarshalAppend(b []byte) []byte {
	b = appendBytes(b, 1, m.Data)
	b = appendUint(b, 2, uint64(m.Format))
	b = appendUint(b, 3, uint64(m.Width))
	b = appendUint(b, 4, uint64(m.Height))
	b = appendUint(b, 5, uint64(m.Quality))
	return b
}

func (m *ImageFrame) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *ImageFrame) Unmarshal(data []byte) error {
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
			m.Data = bytes.Clone(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Format = ImageFormat(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Width = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Height = uint32(v)
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Quality = uint32(v)
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

// DepthFrame is an encoded depth map payload.
type DepthFrame struct {
	Data      []byte
	Format    DepthFormat
	Width     uint32
	Height    uint32
	MinDepthM float32
	MaxDepthM float32
}

func (m *DepthFrame) MarshalAppend(b []byte) []byte {
	b = appendBytes(b, 1, m.Data)
	b = appendUint(b, 2, uint64(m.Format))
	b = appendUint(b, 3, uint64(m.Width))
	b = appendUint(b, 4, uint64(m.Height))
	b = appendFloat(b, 5, m.MinDepthM)
	b = appendFloat(b, 6, m.MaxDepthM)
	return b
}

func (m *DepthFrame) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *DepthFrame) Unmarshal(data []byte) error {
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
			m.Data = bytes.Clone(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Format = DepthFormat(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Width = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Height = uint32(v)
			data = data[n:]
		case num == 5 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MinDepthM = math.Float32frombits(v)
			data = data[n:]
		case num == 6 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.MaxDepthM = math.Float32frombits(v)
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

// Vec3 is a 3-component vector.
type Vec3 struct {
	X float32
	Y float32
	Z float32
}

func (m *Vec3) MarshalAppend(b []byte) []byte {
	b = appendFloat(b, 1, m.X)
	b = appendFloat(b, 2, m.Y)
	b = appendFloat(b, 3, m.Z)
	return b
}

func (m *Vec3) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *Vec3) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ == protowire.Fixed32Type && num >= 1 && num <= 3 {
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f := math.Float32frombits(v)
			switch num {
			case 1:
				m.X = f
			case 2:
				m.Y = f
			case 3:
				m.Z = f
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// Quaternion is a rotation in (x, y, z, w) order.
type Quaternion struct {
	X float32
	Y float32
	Z float32
	W float32
}

func (m *Quaternion) MarshalAppend(b []byte) []byte {
	b = appendFloat(b, 1, m.X)
	b = appendFloat(b, 2, m.Y)
	b = appendFloat(b, 3, m.Z)
	b = appendFloat(b, 4, m.W)
	return b
}

func (m *Quaternion) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *Quaternion) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ == protowire.Fixed32Type && num >= 1 && num <= 4 {
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f := math.Float32frombits(v)
			switch num {
			case 1:
				m.X = f
			case 2:
				m.Y = f
			case 3:
				m.Z = f
			case 4:
				m.W = f
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// CameraPose is the device pose at capture time.
type CameraPose struct {
	Position *Vec3
	Rotation *Quaternion
}

func (m *CameraPose) MarshalAppend(b []byte) []byte {
	if m.Position != nil {
		b = appendMessage(b, 1, m.Position)
	}
	if m.Rotation != nil {
		b = appendMessage(b, 2, m.Rotation)
	}
	return b
}

func (m *CameraPose) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *CameraPose) Unmarshal(data []byte) error {
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
			m.Position = new(Vec3)
			if err := m.Position.Unmarshal(v); err != nil {
				return err
			}
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Rotation = new(Quaternion)
			if err := m.Rotation.Unmarshal(v); err != nil {
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

// CameraIntrinsics is carried once per session on the first frame and
// cached downstream.
type CameraIntrinsics struct {
	Fx          float32
	Fy          float32
	Cx          float32
	Cy          float32
	ImageWidth  uint32
	ImageHeight uint32
	DepthWidth  uint32
	DepthHeight uint32
}

func (m *CameraIntrinsics) MarshalAppend(b []byte) []byte {
	b = appendFloat(b, 1, m.Fx)
	b = appendFloat(b, 2, m.Fy)
	b = appendFloat(b, 3, m.Cx)
	b = appendFloat(b, 4, m.Cy)
	b = appendUint(b, 5, uint64(m.ImageWidth))
	b = appendUint(b, 6, uint64(m.ImageHeight))
	b = appendUint(b, 7, uint64(m.DepthWidth))
	b = appendUint(b, 8, uint64(m.DepthHeight))
	return b
}

func (m *CameraIntrinsics) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *CameraIntrinsics) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case typ == protowire.Fixed32Type && num >= 1 && num <= 4:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f := math.Float32frombits(v)
			switch num {
			case 1:
				m.Fx = f
			case 2:
				m.Fy = f
			case 3:
				m.Cx = f
			case 4:
				m.Cy = f
			}
			data = data[n:]
		case typ == protowire.VarintType && num >= 5 && num <= 8:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 5:
				m.ImageWidth = uint32(v)
			case 6:
				m.ImageHeight = uint32(v)
			case 7:
				m.DepthWidth = uint32(v)
			case 8:
				m.DepthHeight = uint32(v)
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

// ImuSample carries whichever inertial readings the device had at capture
// time; all fields are optional.
type ImuSample struct {
	AngularVelocity    *Vec3
	LinearAcceleration *Vec3
	Gravity            *Vec3
	MagneticField      *Vec3
}

func (m *ImuSample) MarshalAppend(b []byte) []byte {
	if m.AngularVelocity != nil {
		b = appendMessage(b, 1, m.AngularVelocity)
	}
	if m.LinearAcceleration != nil {
		b = appendMessage(b, 2, m.LinearAcceleration)
	}
	if m.Gravity != nil {
		b = appendMessage(b, 3, m.Gravity)
	}
	if m.MagneticField != nil {
		b = appendMessage(b, 4, m.MagneticField)
	}
	return b
}

func (m *ImuSample) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *ImuSample) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ == protowire.BytesType && num >= 1 && num <= 4 {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			vec := new(Vec3)
			if err := vec.Unmarshal(v); err != nil {
				return err
			}
			switch num {
			case 1:
				m.AngularVelocity = vec
			case 2:
				m.LinearAcceleration = vec
			case 3:
				m.Gravity = vec
			case 4:
				m.MagneticField = vec
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// InferredGeometry summarizes the device's world understanding per frame.
type InferredGeometry struct {
	PlaneCount      uint32
	PointCloudCount uint32
}

func (m *InferredGeometry) MarshalAppend(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.PlaneCount))
	b = appendUint(b, 2, uint64(m.PointCloudCount))
	return b
}

func (m *InferredGeometry) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *InferredGeometry) Unmarshal(data []byte) error {
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
			m.PlaneCount = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.PointCloudCount = uint32(v)
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

// Frame is one message of the device stream and one record of a
// recording. Everything past the identifier is optional.
type Frame struct {
	FrameIdentifier  *FrameIdentifier
	RgbFrame         *ImageFrame
	DepthFrame       *DepthFrame
	CameraPose       *CameraPose
	CameraIntrinsics *CameraIntrinsics
	Imu              *ImuSample
	InferredGeometry *InferredGeometry
}

func (m *Frame) MarshalAppend(b []byte) []byte {
	if m.FrameIdentifier != nil {
		b = appendMessage(b, 1, m.FrameIdentifier)
	}
	if m.RgbFrame != nil {
		b = appendMessage(b, 2, m.RgbFrame)
	}
	if m.DepthFrame != nil {
		b = appendMessage(b, 3, m.DepthFrame)
	}
	if m.CameraPose != nil {
		b = appendMessage(b, 4, m.CameraPose)
	}
	if m.CameraIntrinsics != nil {
		b = appendMessage(b, 5, m.CameraIntrinsics)
	}
	if m.Imu != nil {
		b = appendMessage(b, 6, m.Imu)
	}
	if m.InferredGeometry != nil {
		b = appendMessage(b, 7, m.InferredGeometry)
	}
	return b
}

func (m *Frame) Marshal() []byte { return m.MarshalAppend(nil) }

func (m *Frame) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ == protowire.BytesType && num >= 1 && num <= 7 {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var err error
			switch num {
			case 1:
				m.FrameIdentifier = new(FrameIdentifier)
				err = m.FrameIdentifier.Unmarshal(v)
			case 2:
				m.RgbFrame = new(ImageFrame)
				err = m.RgbFrame.Unmarshal(v)
			case 3:
				m.DepthFrame = new(DepthFrame)
				err = m.DepthFrame.Unmarshal(v)
			case 4:
				m.CameraPose = new(CameraPose)
				err = m.CameraPose.Unmarshal(v)
			case 5:
				m.CameraIntrinsics = new(CameraIntrinsics)
				err = m.CameraIntrinsics.Unmarshal(v)
			case 6:
				m.Imu = new(ImuSample)
				err = m.Imu.Unmarshal(v)
			case 7:
				m.InferredGeometry = new(InferredGeometry)
				err = m.InferredGeometry.Unmarshal(v)
			}
			if err != nil {
				return err
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// ID returns the frame identifier, never nil.
func (m *Frame) ID() *FrameIdentifier {
	if m.FrameIdentifier == nil {
		return &FrameIdentifier{}
	}
	return m.FrameIdentifier
}
