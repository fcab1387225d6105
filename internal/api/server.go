package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/vblora/internal/logger"
	"github.com/samcharles93/vblora/internal/tensor"
	"github.com/samcharles93/vblora/internal/vblora"
)

// Server exposes hosted adapter layers over HTTP: create a layer, attach
// adapters, run batches through it and drive the merge state machine.
type Server struct {
	store *LayerStore
	log   logger.Logger
	clock func() time.Time
}

func NewServer(store *LayerStore, log logger.Logger) *Server {
	if store == nil {
		store = NewLayerStore()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store: store,
		log:   log,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/layers", s.handleCreateLayer)
	e.GET("/v1/layers", s.handleListLayers)
	e.GET("/v1/layers/:id", s.handleGetLayer)
	e.DELETE("/v1/layers/:id", s.handleDeleteLayer)

	e.POST("/v1/layers/:id/adapters", s.handleAttachAdapter)
	e.POST("/v1/layers/:id/adapters/active", s.handleSetActive)
	e.DELETE("/v1/layers/:id/adapters/:name", s.handleDeleteAdapter)
	e.GET("/v1/layers/:id/adapters/:name/delta", s.handleDeltaStats)

	e.POST("/v1/layers/:id/forward", s.handleForward)
	e.POST("/v1/layers/:id/merge", s.handleMerge)
	e.POST("/v1/layers/:id/unmerge", s.handleUnmerge)
}

func (s *Server) handleCreateLayer(c *echo.Context) error {
	req, err := decodeJSON[CreateLayerRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.InFeatures <= 0 || req.OutFeatures <= 0 {
		return writeBadRequest(c, "in_features and out_features must be positive")
	}

	var base vblora.BaseLayer
	if req.FanInFanOut {
		base = vblora.NewTransposedDense(req.InFeatures, req.OutFeatures)
	} else {
		base = vblora.NewDense(req.InFeatures, req.OutFeatures)
	}
	if req.WeightSeed != nil {
		tensor.FillRand(base.Weight(), *req.WeightSeed)
	}

	layer := vblora.NewLinear(base, req.FanInFanOut, s.log)
	if req.Seed != nil {
		layer.Seed(*req.Seed)
	}
	rec := s.store.Create(layer, req.FanInFanOut, s.clock())
	s.log.Info("layer created", "id", rec.ID, "in", req.InFeatures, "out", req.OutFeatures)
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleListLayers(c *echo.Context) error {
	recs := s.store.List()
	out := LayerList{Object: "list", Data: make([]LayerResponse, 0, len(recs))}
	for _, rec := range recs {
		rec.mu.Lock()
		out.Data = append(out.Data, layerResponse(rec))
		rec.mu.Unlock()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetLayer(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleDeleteLayer(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "layer not found")
	}
	return c.JSON(http.StatusOK, DeleteLayerResponse{
		ID:      id,
		Object:  "layer",
		Deleted: true,
	})
}

func (s *Server) handleAttachAdapter(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	req, err := decodeJSON[AttachAdapterRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Name == "" {
		return writeBadRequest(c, "adapter name is required")
	}
	initWeights := true
	if req.InitWeights != nil {
		initWeights = *req.InitWeights
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	// Only the first adapter on a layer may seed the bank; later attaches
	// alias the canonical instance.
	var bank *tensor.Mat
	if len(rec.Layer.Adapters()) == 0 {
		bank = vblora.NewVectorBank(req.NumVectors, req.VectorLength)
		if req.BankSeed != nil {
			tensor.FillRand(bank, *req.BankSeed)
		}
	}
	err = rec.Layer.UpdateLayer(req.Name, bank, req.R, req.TopK, req.NumVectors, req.VectorLength, req.Dropout, initWeights)
	switch {
	case errors.Is(err, vblora.ErrInvalidConfig), errors.Is(err, vblora.ErrEmptyVectorBank):
		return writeBadRequest(c, err.Error())
	case err != nil:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	s.log.Info("adapter attached", "layer", rec.ID, "adapter", req.Name, "r", req.R, "topk", req.TopK)
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleSetActive(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	req, err := decodeJSON[SetActiveRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	known := rec.Layer.Adapters()
	for _, name := range req.Adapters {
		if !slices.Contains(known, name) {
			return writeBadRequest(c, fmt.Sprintf("unknown adapter %q", name))
		}
	}
	rec.Layer.SetAdapter(req.Adapters...)
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleDeleteAdapter(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	name := c.Param("name")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !slices.Contains(rec.Layer.Adapters(), name) {
		return writeNotFound(c, "adapter not found")
	}
	rec.Layer.DeleteAdapter(name)
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleDeltaStats(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	name := c.Param("name")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	delta, err := rec.Layer.GetDeltaWeight(name)
	if err != nil {
		return writeNotFound(c, "adapter not found")
	}

	stats := DeltaStatsResponse{
		Object:  "adapter.delta",
		Adapter: name,
		Rows:    delta.R,
		Cols:    delta.C,
		Min:     float32(math.Inf(1)),
		Max:     float32(math.Inf(-1)),
	}
	var sum, sumSq float64
	for _, v := range delta.Data {
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	if n := len(delta.Data); n > 0 {
		stats.Mean = float32(sum / float64(n))
	}
	stats.Norm = math.Sqrt(sumSq)
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleForward(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Input) == 0 {
		return writeBadRequest(c, "input batch is empty")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	in := rec.Layer.InFeatures()
	x := tensor.NewMat(len(req.Input), in)
	for i, row := range req.Input {
		if len(row) != in {
			return writeBadRequest(c, fmt.Sprintf("input row %d has %d features, want %d", i, len(row), in))
		}
		copy(x.Data[i*x.Stride:i*x.Stride+in], row)
	}

	if req.Training != nil {
		rec.Training = *req.Training
	}
	rec.Layer.SetTraining(rec.Training)

	out := rec.Layer.Forward(&x)
	resp := ForwardResponse{Object: "layer.forward", Output: make([][]float32, out.R)}
	for i := 0; i < out.R; i++ {
		row := make([]float32, out.C)
		copy(row, out.Data[i*out.Stride:i*out.Stride+out.C])
		resp.Output[i] = row
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMerge(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	req, err := decodeJSON[MergeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := rec.Layer.Merge(req.Safe, req.Adapters); err != nil {
		if errors.Is(err, vblora.ErrNonFiniteMerge) {
			return writeError(c, http.StatusUnprocessableEntity, "merge_error", err.Error(), "", "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	return c.JSON(http.StatusOK, layerResponse(rec))
}

func (s *Server) handleUnmerge(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "layer not found")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Layer.Unmerge()
	return c.JSON(http.StatusOK, layerResponse(rec))
}

// layerResponse snapshots a record. The caller holds rec.mu.
func layerResponse(rec *layerRecord) LayerResponse {
	return LayerResponse{
		ID:             rec.ID,
		Object:         "layer",
		CreatedAt:      rec.CreatedAt.Unix(),
		InFeatures:     rec.Layer.InFeatures(),
		OutFeatures:    rec.Layer.OutFeatures(),
		FanInFanOut:    rec.FanInFanOut,
		Adapters:       rec.Layer.Adapters(),
		ActiveAdapters: rec.Layer.ActiveAdapters(),
		Merged:         rec.Layer.Merged(),
		MergedAdapters: rec.Layer.MergedAdapters(),
		Training:       rec.Training,
	}
}
