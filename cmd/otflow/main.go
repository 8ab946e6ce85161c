package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openfluke/otflow/gpu"
	"github.com/openfluke/otflow/nn"
	"github.com/openfluke/otflow/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewCLI().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// NewCLI builds the otflow command tree
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otflow",
		Short: "Evaluate OT-Flow potentials, velocities and divergences",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			verbose, _ := cmd.Flags().GetBool("verbose")
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
				gpu.Debug = true
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cobra.EnableCommandSorting = false

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a seeded random parameter bundle",
		Args:  cobra.NoArgs,
		RunE:  InitHandler,
	}
	initCmd.Flags().Int("d", 2, "Spatial dimension")
	initCmd.Flags().Int("m", 16, "Hidden width")
	initCmd.Flags().Int("r", 0, "Rank of A (default min(10, d))")
	initCmd.Flags().Int64("seed", 42, "Random seed")
	initCmd.Flags().String("dtype", "F64", "Safetensors dtype (F64, F32, F16)")
	initCmd.Flags().StringP("out", "o", "params.safetensors", "Output file (.safetensors or .json)")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Print potential, velocity and divergence at one point",
		Args:  cobra.NoArgs,
		RunE:  EvalHandler,
	}
	addParamsFlag(evalCmd)
	evalCmd.Flags().String("x", "", "Comma separated spatial point")
	evalCmd.Flags().Float64("t", 0, "Time")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Compare analytic gradient and trace with finite differences",
		Args:  cobra.NoArgs,
		RunE:  CheckHandler,
	}
	addParamsFlag(checkCmd)
	checkCmd.Flags().Int("points", 16, "Number of random points")
	checkCmd.Flags().Int64("seed", 1, "Random seed for points")
	checkCmd.Flags().Float64("tol", 2e-5, "Maximum absolute error")

	integrateCmd := &cobra.Command{
		Use:   "integrate",
		Short: "Push samples through the flow with forward Euler steps",
		Args:  cobra.NoArgs,
		RunE:  IntegrateHandler,
	}
	addParamsFlag(integrateCmd)
	integrateCmd.Flags().String("x", "", "Comma separated start point (default: random samples)")
	integrateCmd.Flags().Int("samples", 8, "Number of standard normal samples when --x is not set")
	integrateCmd.Flags().Int64("seed", 1, "Random seed for samples")
	integrateCmd.Flags().Float64("t0", 0, "Start time")
	integrateCmd.Flags().Float64("t1", 1, "End time")
	integrateCmd.Flags().Int("steps", 8, "Number of Euler steps")
	integrateCmd.Flags().Bool("gpu", envBool("OTFLOW_GPU"), "Evaluate on the GPU (float32)")
	integrateCmd.Flags().Int("workers", envInt("OTFLOW_WORKERS", 0), "Goroutines for CPU batches (0 = GOMAXPROCS)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flow evaluations over HTTP",
		Args:  cobra.NoArgs,
		RunE:  ServeHandler,
	}
	addParamsFlag(serveCmd)
	serveCmd.Flags().String("host", envString("OTFLOW_HOST", "127.0.0.1:11500"), "Listen address")
	serveCmd.Flags().Int("workers", envInt("OTFLOW_WORKERS", 0), "Goroutines per request (0 = GOMAXPROCS)")

	rootCmd.AddCommand(initCmd, evalCmd, checkCmd, integrateCmd, serveCmd)
	return rootCmd
}

func addParamsFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("params", "p", "params.safetensors", "Parameter bundle (.safetensors or .json)")
}

// loadKernel reads a bundle and builds a kernel from it
func loadKernel(cmd *cobra.Command) (*nn.Kernel, error) {
	path, _ := cmd.Flags().GetString("params")

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
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	slog.Debug("loaded parameters", "path", path, "d", dims.D, "m", dims.M, "r", dims.R)
	return nn.NewKernel(dims, params)
}

func InitHandler(cmd *cobra.Command, args []string) error {
	d, _ := cmd.Flags().GetInt("d")
	m, _ := cmd.Flags().GetInt("m")
	r, _ := cmd.Flags().GetInt("r")
	seed, _ := cmd.Flags().GetInt64("seed")
	dtype, _ := cmd.Flags().GetString("dtype")
	out, _ := cmd.Flags().GetString("out")

	if r == 0 {
		r = nn.DefaultRank(d)
	}
	dims := nn.Dims{D: d, M: m, R: r}
	params, err := nn.InitParams(dims, seed)
	if err != nil {
		return err
	}

	if strings.HasSuffix(out, ".json") {
		err = nn.SaveParamsJSON(out, dims, params)
	} else {
		err = nn.SaveParamsSafetensors(out, dims, params, dtype)
	}
	if err != nil {
		return err
	}
	slog.Info("wrote parameters", "path", out, "d", d, "m", m, "r", r, "seed", seed)
	return nil
}

func EvalHandler(cmd *cobra.Command, args []string) error {
	k, err := loadKernel(cmd)
	if err != nil {
		return err
	}
	xs, _ := cmd.Flags().GetString("x")
	t, _ := cmd.Flags().GetFloat64("t")

	x, err := parsePoint(xs, k.Dims().D)
	if err != nil {
		return err
	}
	state, phi, err := k.EvaluateWithPotential(x, t)
	if err != nil {
		return err
	}

	fmt.Printf("potential:  %.12g\n", phi)
	fmt.Printf("velocity:   %s\n", formatPoint(state.Velocity))
	fmt.Printf("divergence: %.12g\n", state.Divergence)
	return nil
}

func CheckHandler(cmd *cobra.Command, args []string) error {
	k, err := loadKernel(cmd)
	if err != nil {
		return err
	}
	points, _ := cmd.Flags().GetInt("points")
	seed, _ := cmd.Flags().GetInt64("seed")
	tol, _ := cmd.Flags().GetFloat64("tol")

	rng := rand.New(rand.NewSource(seed))
	var worstGrad, worstTrace float64
	for i := 0; i < points; i++ {
		x := make([]float64, k.Dims().D)
		for j := range x {
			x[j] = rng.NormFloat64()
		}
		t := rng.Float64()

		g, err := k.CheckGradient(x, t, nn.DefaultGradientStep)
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		h, err := k.CheckTrace(x, t, nn.DefaultTraceStep)
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		slog.Debug("checked point", "index", i, "gradient", g.String(), "trace", h.String())
		worstGrad = max(worstGrad, g.MaxAbsErr)
		worstTrace = max(worstTrace, h.MaxAbsErr)
	}

	fmt.Printf("gradient: max abs err %.3e over %d points\n", worstGrad, points)
	fmt.Printf("trace:    max abs err %.3e over %d points\n", worstTrace, points)
	if worstGrad > tol || worstTrace > tol {
		return fmt.Errorf("finite difference check failed: tolerance %.1e", tol)
	}
	return nil
}

func IntegrateHandler(cmd *cobra.Command, args []string) error {
	k, err := loadKernel(cmd)
	if err != nil {
		return err
	}
	xs, _ := cmd.Flags().GetString("x")
	samples, _ := cmd.Flags().GetInt("samples")
	seed, _ := cmd.Flags().GetInt64("seed")
	t0, _ := cmd.Flags().GetFloat64("t0")
	t1, _ := cmd.Flags().GetFloat64("t1")
	steps, _ := cmd.Flags().GetInt("steps")
	useGPU, _ := cmd.Flags().GetBool("gpu")
	workers, _ := cmd.Flags().GetInt("workers")

	if steps < 1 {
		return fmt.Errorf("steps must be >= 1, got %d", steps)
	}

	var points [][]float64
	if xs != "" {
		x, err := parsePoint(xs, k.Dims().D)
		if err != nil {
			return err
		}
		points = [][]float64{x}
	} else {
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < samples; i++ {
			x := make([]float64, k.Dims().D)
			for j := range x {
				x[j] = rng.NormFloat64()
			}
			points = append(points, x)
		}
	}

	var eval batchEvaluator = cpuBatch{kernel: k, workers: workers}
	if useGPU {
		g, err := k.NewGPUEvaluator(len(points))
		if err != nil {
			return err
		}
		defer g.Release()
		eval = gpuBatch{evaluator: g}
	}

	start := time.Now()
	result, err := integrate(cmd.Context(), eval, points, t0, t1, steps)
	if err != nil {
		return err
	}
	slog.Info("integrated", "samples", len(points), "steps", steps, "gpu", useGPU, "elapsed", time.Since(start))

	var data [][]string
	for i, p := range result.Points {
		data = append(data, []string{
			strconv.Itoa(i),
			formatPoint(p),
			strconv.FormatFloat(result.LogDet[i], 'g', 6, 64),
			strconv.FormatFloat(result.Cost[i], 'g', 6, 64),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"SAMPLE", "X", "LOGDET", "COST"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func ServeHandler(cmd *cobra.Command, args []string) error {
	k, err := loadKernel(cmd)
	if err != nil {
		return err
	}
	host, _ := cmd.Flags().GetString("host")
	workers, _ := cmd.Flags().GetInt("workers")

	store, err := nn.NewParamStore(k.Dims(), k.Params())
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	go func() {
		<-cmd.Context().Done()
		ln.Close()
	}()
	err = server.Serve(ln, server.New(store, workers))
	if cmd.Context().Err() != nil {
		return nil
	}
	return err
}

func parsePoint(s string, d int) ([]float64, error) {
	if s == "" {
		return make([]float64, d), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != d {
		return nil, fmt.Errorf("expected %d coordinates, got %d", d, len(parts))
	}
	x := make([]float64, d)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %w", i, err)
		}
		x[i] = v
	}
	return x, nil
}

func formatPoint(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', 8, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
