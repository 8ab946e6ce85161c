package gpu

import (
	"fmt"
	"log/slog"
)

// Debug enables verbose logging of buffer allocation, compilation and dispatch
var Debug bool

// Log writes a GPU message through the default slog logger
func Log(format string, args ...any) {
	slog.Info(fmt.Sprintf(format, args...), "component", "gpu")
}
