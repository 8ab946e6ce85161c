package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Tensor names used in parameter safetensors files
const (
	TensorW  = "w"
	TensorA  = "A"
	TensorB  = "b"
	TensorC  = "c"
	TensorK0 = "K0"
	TensorK1 = "K1"
	TensorB0 = "b0"
	TensorB1 = "b1"
)

// TensorInfo describes a tensor entry of a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// TensorWithShape is a decoded tensor, always widened to float64
type TensorWithShape struct {
	Values []float64
	Shape  []int
	DType  string // dtype used when serializing: F64, F32 or F16
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]TensorWithShape, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes parses safetensors data held in memory
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	body := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape)
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		values, err := decodeTensor(name, info, body)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = TensorWithShape{Values: values, Shape: info.Shape, DType: info.DType}
	}
	return tensors, nil
}

func decodeTensor(name string, info TensorInfo, body []byte) ([]float64, error) {
	if len(info.Offset) != 2 {
		return nil, fmt.Errorf("expected 2 data offsets, got %d", len(info.Offset))
	}
	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end < start || end > len(body) {
		return nil, fmt.Errorf("data offsets [%d, %d] outside %d byte body", start, end, len(body))
	}
	raw := body[start:end]

	width := getBytesPerElement(info.DType)
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	// The element count is bounded by the bytes present, so it cannot overflow
	numElements := 1
	for _, dim := range info.Shape {
		if dim < 0 {
			return nil, &ShapeError{Field: name, Want: "non-negative dimensions", Got: fmt.Sprintf("%v", info.Shape)}
		}
		if dim > 0 && numElements > len(raw)/width/dim {
			return nil, &ShapeError{Field: name, Want: fmt.Sprintf("at most %d %s values", len(raw)/width, info.DType), Got: fmt.Sprintf("shape %v", info.Shape)}
		}
		numElements *= dim
	}
	if len(raw) != numElements*width {
		return nil, fmt.Errorf("%s shape %v needs %d bytes, got %d", info.DType, info.Shape, numElements*width, len(raw))
	}

	out := make([]float64, numElements)
	switch info.DType {
	case "F64":
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "F16":
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case "BF16":
		for i, v := range bfloat16.DecodeFloat32(raw) {
			out[i] = float64(v)
		}
	}
	return out, nil
}

func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors encodes tensors in safetensors format.
// Names are sorted so the output is deterministic.
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		width := getBytesPerElement(t.DType)
		if width == 0 || t.DType == "BF16" {
			return nil, fmt.Errorf("tensor %s: unsupported dtype for writing: %s", name, t.DType)
		}
		numElements := 1
		for _, dim := range t.Shape {
			numElements *= dim
		}
		if numElements != len(t.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, t.Shape, numElements, len(t.Values))
		}
		header[name] = TensorInfo{DType: t.DType, Shape: t.Shape, Offset: []int{offset, offset + numElements*width}}
		offset += numElements * width
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	// Pad the header with spaces to an 8 byte boundary
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	out := make([]byte, 8+len(headerBytes)+offset)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(headerBytes)))
	copy(out[8:], headerBytes)
	body := out[8+len(headerBytes):]

	for _, name := range names {
		t := tensors[name]
		dst := body[header[name].Offset[0]:]
		for i, v := range t.Values {
			switch t.DType {
			case "F64":
				binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
			case "F32":
				binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
			case "F16":
				binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(float32(v)).Bits())
			}
		}
	}
	return out, nil
}

// ParamsToTensors lays a bundle out as named tensors of the given dtype
func ParamsToTensors(dims Dims, p *Params, dtype string) (map[string]TensorWithShape, error) {
	if err := p.Validate(dims); err != nil {
		return nil, err
	}
	n := dims.Augmented()
	return map[string]TensorWithShape{
		TensorW:  {Values: vecToSlice(p.W), Shape: []int{dims.M}, DType: dtype},
		TensorA:  {Values: denseToSlice(p.A), Shape: []int{dims.R, n}, DType: dtype},
		TensorB:  {Values: vecToSlice(p.B), Shape: []int{n}, DType: dtype},
		TensorC:  {Values: []float64{p.C}, Shape: []int{}, DType: dtype},
		TensorK0: {Values: denseToSlice(p.K0), Shape: []int{dims.M, n}, DType: dtype},
		TensorK1: {Values: denseToSlice(p.K1), Shape: []int{dims.M, dims.M}, DType: dtype},
		TensorB0: {Values: vecToSlice(p.B0), Shape: []int{dims.M}, DType: dtype},
		TensorB1: {Values: vecToSlice(p.B1), Shape: []int{dims.M}, DType: dtype},
	}, nil
}

// ParamsFromTensors rebuilds a bundle from named tensors. Dims are read from
// the shapes of K0 ([m, d+1]) and A ([r, d+1]); every other tensor must agree.
func ParamsFromTensors(tensors map[string]TensorWithShape) (Dims, *Params, error) {
	get := func(name string, rank int) (TensorWithShape, error) {
		t, ok := tensors[name]
		if !ok {
			return t, &ShapeError{Field: name, Want: "tensor", Got: "missing"}
		}
		if len(t.Shape) != rank {
			return t, &ShapeError{Field: name, Want: fmt.Sprintf("rank %d", rank), Got: fmt.Sprintf("shape %v", t.Shape)}
		}
		return t, nil
	}

	k0, err := get(TensorK0, 2)
	if err != nil {
		return Dims{}, nil, err
	}
	a, err := get(TensorA, 2)
	if err != nil {
		return Dims{}, nil, err
	}
	dims := Dims{D: k0.Shape[1] - 1, M: k0.Shape[0], R: a.Shape[0]}
	if err := dims.Validate(); err != nil {
		return Dims{}, nil, err
	}

	expect := func(name string, shape ...int) ([]float64, error) {
		t, err := get(name, len(shape))
		if err != nil {
			return nil, err
		}
		n := 1
		for i := range shape {
			if t.Shape[i] != shape[i] {
				return nil, &ShapeError{Field: name, Want: fmt.Sprintf("%v", shape), Got: fmt.Sprintf("%v", t.Shape)}
			}
			n *= shape[i]
		}
		if len(t.Values) != n {
			return nil, &ShapeError{Field: name, Want: fmt.Sprintf("%d values", n), Got: fmt.Sprintf("%d values", len(t.Values))}
		}
		return t.Values, nil
	}

	n := dims.Augmented()
	p := &Params{}
	fields := []struct {
		name  string
		shape []int
		set   func([]float64)
	}{
		{TensorW, []int{dims.M}, func(v []float64) { p.W = mat.NewVecDense(dims.M, v) }},
		{TensorA, []int{dims.R, n}, func(v []float64) { p.A = mat.NewDense(dims.R, n, v) }},
		{TensorB, []int{n}, func(v []float64) { p.B = mat.NewVecDense(n, v) }},
		{TensorK0, []int{dims.M, n}, func(v []float64) { p.K0 = mat.NewDense(dims.M, n, v) }},
		{TensorK1, []int{dims.M, dims.M}, func(v []float64) { p.K1 = mat.NewDense(dims.M, dims.M, v) }},
		{TensorB0, []int{dims.M}, func(v []float64) { p.B0 = mat.NewVecDense(dims.M, v) }},
		{TensorB1, []int{dims.M}, func(v []float64) { p.B1 = mat.NewVecDense(dims.M, v) }},
	}
	for _, f := range fields {
		v, err := expect(f.name, f.shape...)
		if err != nil {
			return Dims{}, nil, err
		}
		f.set(clone(v))
	}

	// c may be stored as a scalar or as a one-element vector
	c, ok := tensors[TensorC]
	if !ok || len(c.Values) != 1 {
		return Dims{}, nil, &ShapeError{Field: TensorC, Want: "scalar", Got: fmt.Sprintf("%d values", len(c.Values))}
	}
	p.C = c.Values[0]

	if err := p.Validate(dims); err != nil {
		return Dims{}, nil, err
	}
	return dims, p, nil
}

// SaveParamsSafetensors writes a bundle as a safetensors file
func SaveParamsSafetensors(filepath string, dims Dims, p *Params, dtype string) error {
	tensors, err := ParamsToTensors(dims, p, dtype)
	if err != nil {
		return err
	}
	return SaveSafetensors(filepath, tensors)
}

// LoadParamsSafetensors reads a bundle written by SaveParamsSafetensors
// or by any exporter using the same tensor names
func LoadParamsSafetensors(filepath string) (Dims, *Params, error) {
	tensors, err := LoadSafetensors(filepath)
	if err != nil {
		return Dims{}, nil, err
	}
	return ParamsFromTensors(tensors)
}
