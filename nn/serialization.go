package nn

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// BundleType tags JSON parameter files written by SaveParamsJSON
const BundleType = "otflow-potential"

// BundleVersion is the current JSON layout version
const BundleVersion = 1

// SavedParams is the JSON layout of a parameter bundle.
// Matrices are row-major.
type SavedParams struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	D       int       `json:"d"`
	M       int       `json:"m"`
	R       int       `json:"r"`
	W       []float64 `json:"w"`
	A       []float64 `json:"A"`
	B       []float64 `json:"b"`
	C       float64   `json:"c"`
	K0      []float64 `json:"K0"`
	K1      []float64 `json:"K1"`
	B0      []float64 `json:"b0"`
	B1      []float64 `json:"b1"`
}

// SerializeParams converts a validated bundle to its JSON layout
func SerializeParams(dims Dims, p *Params) (SavedParams, error) {
	if err := p.Validate(dims); err != nil {
		return SavedParams{}, err
	}
	return SavedParams{
		Type:    BundleType,
		Version: BundleVersion,
		D:       dims.D,
		M:       dims.M,
		R:       dims.R,
		W:       vecToSlice(p.W),
		A:       denseToSlice(p.A),
		B:       vecToSlice(p.B),
		C:       p.C,
		K0:      denseToSlice(p.K0),
		K1:      denseToSlice(p.K1),
		B0:      vecToSlice(p.B0),
		B1:      vecToSlice(p.B1),
	}, nil
}

// DeserializeParams rebuilds Dims and Params from the JSON layout.
// Every length is checked before any gonum constructor sees it.
func DeserializeParams(saved SavedParams) (Dims, *Params, error) {
	if saved.Type != BundleType {
		return Dims{}, nil, fmt.Errorf("unknown bundle type %q", saved.Type)
	}
	if saved.Version != BundleVersion {
		return Dims{}, nil, fmt.Errorf("unsupported bundle version %d", saved.Version)
	}
	dims := Dims{D: saved.D, M: saved.M, R: saved.R}
	if err := dims.Validate(); err != nil {
		return Dims{}, nil, err
	}
	n := dims.Augmented()

	lengths := []struct {
		name string
		got  int
		want int
	}{
		{"w", len(saved.W), dims.M},
		{"A", len(saved.A), dims.R * n},
		{"b", len(saved.B), n},
		{"K0", len(saved.K0), dims.M * n},
		{"K1", len(saved.K1), dims.M * dims.M},
		{"b0", len(saved.B0), dims.M},
		{"b1", len(saved.B1), dims.M},
	}
	for _, l := range lengths {
		if l.got != l.want {
			return Dims{}, nil, &ShapeError{Field: l.name, Want: fmt.Sprintf("%d values", l.want), Got: fmt.Sprintf("%d values", l.got)}
		}
	}

	p := &Params{
		W:  mat.NewVecDense(dims.M, clone(saved.W)),
		A:  mat.NewDense(dims.R, n, clone(saved.A)),
		B:  mat.NewVecDense(n, clone(saved.B)),
		C:  saved.C,
		K0: mat.NewDense(dims.M, n, clone(saved.K0)),
		K1: mat.NewDense(dims.M, dims.M, clone(saved.K1)),
		B0: mat.NewVecDense(dims.M, clone(saved.B0)),
		B1: mat.NewVecDense(dims.M, clone(saved.B1)),
	}
	if err := p.Validate(dims); err != nil {
		return Dims{}, nil, err
	}
	return dims, p, nil
}

// SaveParamsJSON writes a bundle to a JSON file
func SaveParamsJSON(filename string, dims Dims, p *Params) error {
	saved, err := SerializeParams(dims, p)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// LoadParamsJSON reads a bundle written by SaveParamsJSON
func LoadParamsJSON(filename string) (Dims, *Params, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Dims{}, nil, fmt.Errorf("failed to read file: %w", err)
	}
	var saved SavedParams
	if err := json.Unmarshal(data, &saved); err != nil {
		return Dims{}, nil, fmt.Errorf("failed to decode params: %w", err)
	}
	return DeserializeParams(saved)
}

func vecToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func denseToSlice(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
