package grpcclient

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// encodeFloats packs values as little-endian float32 and base64-encodes them.
func encodeFloats(values []float32) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeFloats(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode tensor data: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor data has %d bytes, not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

func imageValue(img *tensor.Image) map[string]interface{} {
	return map[string]interface{}{
		"shape": []interface{}{img.Size, img.Size, tensor.Channels},
		"data":  encodeFloats(img.Pix),
	}
}

func featureMapFrom(v *structpb.Value) (*tensor.FeatureMap, error) {
	fields := v.GetStructValue().GetFields()
	if fields == nil {
		return nil, fmt.Errorf("tensor is not an object")
	}
	shape, err := intList(fields["shape"])
	if err != nil {
		return nil, fmt.Errorf("tensor shape: %w", err)
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected an HxWxC tensor, got shape %v", shape)
	}
	data, err := decodeFloats(fields["data"].GetStringValue())
	if err != nil {
		return nil, err
	}
	return tensor.NewFeatureMap(shape[0], shape[1], shape[2], data)
}

func intList(v *structpb.Value) ([]int, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("expected a list")
	}
	out := make([]int, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		n := item.GetNumberValue()
		if n != math.Trunc(n) || n < 0 {
			return nil, fmt.Errorf("expected a non-negative integer, got %v", n)
		}
		out = append(out, int(n))
	}
	return out, nil
}

func scoresFrom(resp *structpb.Struct, want int) ([]model.Score, error) {
	list := resp.GetFields()["scores"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("response has no scores")
	}
	values := list.GetValues()
	if len(values) != want {
		return nil, fmt.Errorf("expected %d scores, got %d", want, len(values))
	}
	out := make([]model.Score, len(values))
	for i, v := range values {
		s := v.GetNumberValue()
		if math.IsNaN(s) || s < 0 || s > 1 {
			return nil, fmt.Errorf("score %v is outside [0, 1]", s)
		}
		out[i] = model.Score(s)
	}
	return out, nil
}

func layersFrom(resp *structpb.Struct) ([]model.LayerInfo, error) {
	list := resp.GetFields()["layers"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("response has no layers")
	}
	out := make([]model.LayerInfo, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		fields := item.GetStructValue().GetFields()
		name := fields["name"].GetStringValue()
		if name == "" {
			return nil, fmt.Errorf("layer without a name")
		}
		info := model.LayerInfo{Name: name, Kind: fields["kind"].GetStringValue()}
		if shape := fields["output_shape"]; shape != nil {
			dims, err := intList(shape)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", name, err)
			}
			for _, d := range dims {
				info.OutputShape = append(info.OutputShape, int64(d))
			}
		}
		out = append(out, info)
	}
	return out, nil
}
