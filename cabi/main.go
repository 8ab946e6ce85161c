package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"encoding/json"
	"unsafe"
)

func errJSON(err error) *C.char {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return C.CString(string(data))
}

func asJSON(v any) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		return errJSON(err)
	}
	return C.CString(string(data))
}

var loaded bundles

//export OTFlowLoadParams
func OTFlowLoadParams(path *C.char) *C.char {
	status, gen, err := loaded.loadFile(C.GoString(path))
	if err != nil {
		return errJSON(err)
	}
	return asJSON(map[string]any{"status": status, "generation": gen})
}

//export OTFlowEvaluate
func OTFlowEvaluate(x *C.double, length C.int, t C.double) *C.char {
	goX, err := copyPoint(unsafe.Pointer(x), int(length))
	if err != nil {
		return errJSON(err)
	}
	k, gen, err := loaded.current()
	if err != nil {
		return errJSON(err)
	}

	state, phi, err := k.EvaluateWithPotential(goX, float64(t))
	if err != nil {
		return errJSON(err)
	}
	return asJSON(map[string]any{
		"potential":  phi,
		"velocity":   state.Velocity,
		"divergence": state.Divergence,
		"generation": gen,
	})
}

//export OTFlowGetInfo
func OTFlowGetInfo() *C.char {
	k, gen, err := loaded.current()
	if err != nil {
		return errJSON(err)
	}
	d := k.Dims()
	return asJSON(map[string]any{
		"d":          d.D,
		"m":          d.M,
		"r":          d.R,
		"generation": gen,
	})
}

//export FreeOTFlowString
func FreeOTFlowString(str *C.char) {
	C.free(unsafe.Pointer(str))
}

func main() {}
