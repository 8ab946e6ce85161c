package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/openfluke/otflow/nn"
)

// bundles holds the loaded parameters. Reloading with the same dims swaps in
// place; other dims replace the store. Reported generations only grow.
type bundles struct {
	mu    sync.Mutex
	store *nn.ParamStore
	base  uint64 // generations issued by replaced stores
}

func (b *bundles) current() (*nn.Kernel, uint64, error) {
	b.mu.Lock()
	s, base := b.store, b.base
	b.mu.Unlock()
	if s == nil {
		return nil, 0, fmt.Errorf("no parameters loaded")
	}
	k, gen := s.Kernel()
	return k, base + gen, nil
}

// loadFile reads a JSON or safetensors bundle and installs it
func (b *bundles) loadFile(path string) (string, uint64, error) {
	var (
		dims   nn.Dims
		params *nn.Params
		err    error
	)
	if strings.HasSuffix(path, ".json") {
		dims, params, err = nn.LoadParamsJSON(path)
	} else {
		dims, params, err = nn.LoadParamsSafetensors(path)
	}
	if err != nil {
		return "", 0, fmt.Errorf("load %s: %w", path, err)
	}
	return b.install(dims, params)
}

func (b *bundles) install(dims nn.Dims, params *nn.Params) (string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store != nil {
		k, gen := b.store.Kernel()
		if k.Dims() == dims {
			next, err := b.store.Swap(params)
			if err != nil {
				return "", 0, err
			}
			return "swapped", b.base + next, nil
		}
		s, err := nn.NewParamStore(dims, params)
		if err != nil {
			return "", 0, err
		}
		b.store = s
		b.base += gen
		return "loaded", b.base + 1, nil
	}

	s, err := nn.NewParamStore(dims, params)
	if err != nil {
		return "", 0, err
	}
	b.store = s
	return "loaded", 1, nil
}

// copyPoint copies n doubles from caller memory
func copyPoint(x unsafe.Pointer, n int) ([]float64, error) {
	if n < 0 {
		return nil, &nn.ShapeError{Field: "x", Want: "length >= 0", Got: strconv.Itoa(n)}
	}
	if x == nil && n > 0 {
		return nil, &nn.ShapeError{Field: "x", Want: fmt.Sprintf("pointer to %d values", n), Got: "nil"}
	}
	out := make([]float64, n)
	if n > 0 {
		copy(out, unsafe.Slice((*float64)(x), n))
	}
	return out, nil
}
