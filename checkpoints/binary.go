package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-cyclegan/layers"
)

// The binary format is a magic prefix followed by protobuf wire-format
// fields. Field numbers below are part of the on-disk format.
var binaryMagic = []byte("GCYC\x01")

const (
	fieldMetadata       protowire.Number = 1
	fieldTrainingState  protowire.Number = 2
	fieldWeight         protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldModelSpec      protowire.Number = 5 // JSON-encoded layers.ModelSpec

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3 // unix nanoseconds
	metaRunID       protowire.Number = 4
	metaModel       protowire.Number = 5
	metaDescription protowire.Number = 6
	metaTag         protowire.Number = 7

	stateEpoch        protowire.Number = 1
	stateStep         protowire.Number = 2
	stateLearningRate protowire.Number = 3
	stateTotalSteps   protowire.Number = 4

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2 // packed varint
	tensorData  protowire.Number = 3 // packed fixed32
	tensorLayer protowire.Number = 4 // weight layer or optimizer state type
	tensorType  protowire.Number = 5

	optType      protowire.Number = 1
	optParameter protowire.Number = 2
	optTensor    protowire.Number = 3

	paramKey    protowire.Number = 1
	paramNumber protowire.Number = 2
	paramString protowire.Number = 3
	paramBool   protowire.Number = 4
)

func encodeBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	b = appendMessage(b, fieldMetadata, encodeMetadata(c.Metadata))
	b = appendMessage(b, fieldTrainingState, encodeTrainingState(c.TrainingState))
	for _, w := range c.Weights {
		b = appendMessage(b, fieldWeight, encodeTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if c.OptimizerState != nil {
		opt, err := encodeOptimizerState(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldOptimizerState, opt)
	}
	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %v", err)
		}
		b = appendMessage(b, fieldModelSpec, spec)
	}
	return b, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func encodeMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, metaCreatedAt, m.CreatedAt.UnixNano())
	}
	b = appendString(b, metaRunID, m.RunID)
	b = appendString(b, metaModel, m.Model)
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTag, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func encodeTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendInt(b, stateEpoch, int64(s.Epoch))
	b = appendInt(b, stateStep, int64(s.Step))
	b = protowire.AppendTag(b, stateLearningRate, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(s.LearningRate))
	b = appendInt(b, stateTotalSteps, int64(s.TotalSteps))
	return b
}

func encodeTensor(name string, shape []int, data []float32, layer, kind string) []byte {
	var b []byte
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, dim := range shape {
		packed = protowire.AppendVarint(packed, uint64(dim))
	}
	b = appendMessage(b, tensorShape, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = appendMessage(b, tensorData, packed)

	b = appendString(b, tensorLayer, layer)
	b = appendString(b, tensorType, kind)
	return b
}

func encodeOptimizerState(s *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendString(b, optType, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var p []byte
		p = appendString(p, paramKey, k)
		switch v := s.Parameters[k].(type) {
		case float64:
			p = appendNumber(p, v)
		case float32:
			p = appendNumber(p, float64(v))
		case int:
			p = appendNumber(p, float64(v))
		case int64:
			p = appendNumber(p, float64(v))
		case uint64:
			p = appendNumber(p, float64(v))
		case string:
			p = protowire.AppendTag(p, paramString, protowire.BytesType)
			p = protowire.AppendString(p, v)
		case bool:
			p = protowire.AppendTag(p, paramBool, protowire.VarintType)
			p = protowire.AppendVarint(p, protowire.EncodeBool(v))
		default:
			return nil, fmt.Errorf("unsupported optimizer parameter %s of type %T", k, v)
		}
		b = appendMessage(b, optParameter, p)
	}

	for _, st := range s.StateData {
		b = appendMessage(b, optTensor, encodeTensor(st.Name, st.Shape, st.Data, st.StateType, ""))
	}
	return b, nil
}

func appendNumber(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, paramNumber, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// fieldFunc handles one field and returns the number of bytes consumed
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: expected bytes, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeInt(num protowire.Number, typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: expected varint, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return protowire.DecodeZigZag(v), n, nil
}

func decodeBinary(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num > fieldModelSpec {
			return skipField(num, typ, b)
		}
		msg, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldMetadata:
			err = decodeMetadata(msg, &c.Metadata)
		case fieldTrainingState:
			err = decodeTrainingState(msg, &c.TrainingState)
		case fieldWeight:
			var w WeightTensor
			w.Name, w.Shape, w.Data, w.Layer, w.Type, err = decodeTensor(msg)
			c.Weights = append(c.Weights, w)
		case fieldOptimizerState:
			c.OptimizerState, err = decodeOptimizerState(msg)
		case fieldModelSpec:
			c.ModelSpec = &layers.ModelSpec{}
			err = json.Unmarshal(msg, c.ModelSpec)
		}
		return n, err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == metaCreatedAt {
			v, n, err := consumeInt(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.CreatedAt = time.Unix(0, v)
			return n, nil
		}
		if num < metaVersion || num > metaTag {
			return skipField(num, typ, b)
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		s := string(v)
		switch num {
		case metaVersion:
			m.Version = s
		case metaFramework:
			m.Framework = s
		case metaRunID:
			m.RunID = s
		case metaModel:
			m.Model = s
		case metaDescription:
			m.Description = s
		case metaTag:
			m.Tags = append(m.Tags, s)
		}
		return n, nil
	})
}

func decodeTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case stateLearningRate:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("learning rate: unexpected wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			s.LearningRate = math.Float32frombits(v)
			return n, nil
		case stateEpoch, stateStep, stateTotalSteps:
			v, n, err := consumeInt(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case stateEpoch:
				s.Epoch = int(v)
			case stateStep:
				s.Step = int(v)
			default:
				s.TotalSteps = int(v)
			}
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

func decodeTensor(b []byte) (name string, shape []int, data []float32, layer, kind string, err error) {
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < tensorName || num > tensorType {
			return skipField(num, typ, b)
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case tensorName:
			name = string(v)
		case tensorLayer:
			layer = string(v)
		case tensorType:
			kind = string(v)
		case tensorShape:
			for len(v) > 0 {
				dim, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				shape = append(shape, int(dim))
				v = v[m:]
			}
		case tensorData:
			if len(v)%4 != 0 {
				return 0, fmt.Errorf("tensor %s: data length %d is not a multiple of 4", name, len(v))
			}
			data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				data = append(data, math.Float32frombits(bits))
				v = v[m:]
			}
		}
		return n, nil
	})
	return
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < optType || num > optTensor {
			return skipField(num, typ, b)
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case optType:
			s.Type = string(v)
		case optParameter:
			key, value, err := decodeParameter(v)
			if err != nil {
				return 0, err
			}
			s.Parameters[key] = value
		case optTensor:
			var st OptimizerTensor
			st.Name, st.Shape, st.Data, st.StateType, _, err = decodeTensor(v)
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, st)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeParameter(b []byte) (string, interface{}, error) {
	var key string
	var value interface{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == paramKey || num == paramString:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == paramKey {
				key = string(v)
			} else {
				value = string(v)
			}
			return n, nil
		case num == paramNumber && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			value = math.Float64frombits(v)
			return n, nil
		case num == paramBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			value = protowire.DecodeBool(v)
			return n, nil
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return "", nil, err
	}
	if key == "" {
		return "", nil, fmt.Errorf("optimizer parameter without a key")
	}
	return key, value, nil
}
