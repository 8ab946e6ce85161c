package server

import (
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openfluke/otflow/nn"
)

// EvaluateRequest is the body of POST /api/evaluate
type EvaluateRequest struct {
	Points    [][]float64 `json:"points"`
	Times     []float64   `json:"times"`
	Potential bool        `json:"potential,omitempty"`
}

// State is one evaluated point
type State struct {
	Velocity   []float64 `json:"velocity"`
	Divergence float64   `json:"divergence"`
	Potential  *float64  `json:"potential,omitempty"`
}

// EvaluateResponse carries the generation of the bundle that produced States
type EvaluateResponse struct {
	Generation uint64  `json:"generation"`
	States     []State `json:"states"`
}

// LoadRequest is the body of POST /api/params
type LoadRequest struct {
	Path string `json:"path"`
}

// InfoResponse describes the bundle currently served
type InfoResponse struct {
	D          int    `json:"d"`
	M          int    `json:"m"`
	R          int    `json:"r"`
	Generation uint64 `json:"generation"`
}

// Server answers flow queries from the current bundle of a ParamStore
type Server struct {
	store   *nn.ParamStore
	workers int
}

// New returns a server over store; workers bounds goroutines per request
func New(store *nn.ParamStore, workers int) *Server {
	return &Server{store: store, workers: workers}
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "otflow is running")
	})
	r.GET("/api/info", s.InfoHandler)
	r.POST("/api/evaluate", s.EvaluateHandler)
	r.POST("/api/params", s.LoadHandler)
	return r
}

func (s *Server) InfoHandler(c *gin.Context) {
	k, gen := s.store.Kernel()
	d := k.Dims()
	c.JSON(http.StatusOK, InfoResponse{D: d.D, M: d.M, R: d.R, Generation: gen})
}

func (s *Server) EvaluateHandler(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Times) == 0 && len(req.Points) > 0 {
		req.Times = make([]float64, len(req.Points))
	}

	// One kernel for the whole request, even if a swap lands meanwhile
	k, gen := s.store.Kernel()
	var (
		flow []nn.FlowState
		phis []float64
		err  error
	)
	if req.Potential {
		flow, phis, err = k.EvaluateBatchWithPotential(c.Request.Context(), req.Points, req.Times, s.workers)
	} else {
		flow, err = k.EvaluateBatch(c.Request.Context(), req.Points, req.Times, s.workers)
	}
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := EvaluateResponse{Generation: gen, States: make([]State, len(flow))}
	for i, f := range flow {
		resp.States[i] = State{Velocity: f.Velocity, Divergence: f.Divergence}
		if req.Potential {
			resp.States[i].Potential = &phis[i]
		}
	}
	c.JSON(http.StatusOK, resp)
}

// LoadHandler reads a bundle from disk and swaps it in. Dims must match the
// bundle being served.
func (s *Server) LoadHandler(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Path == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	var (
		params *nn.Params
		err    error
	)
	if strings.HasSuffix(req.Path, ".json") {
		_, params, err = nn.LoadParamsJSON(req.Path)
	} else {
		_, params, err = nn.LoadParamsSafetensors(req.Path)
	}
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	gen, err := s.store.Swap(params)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	slog.Info("swapped parameters", "path", req.Path, "generation", gen)
	s.InfoHandler(c)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, nn.ErrShape), errors.Is(err, nn.ErrNumeric):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Serve answers requests on ln until it is closed
func Serve(ln net.Listener, s *Server) error {
	slog.Info("Listening on " + ln.Addr().String())
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
