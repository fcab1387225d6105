package api

// CreateLayerRequest creates an adapted linear layer. Seed is optional and
// controls logit initialisation and dropout masks; WeightSeed fills the
// frozen base weight with reproducible pseudo-random values when set.
type CreateLayerRequest struct {
	InFeatures  int    `json:"in_features"`
	OutFeatures int    `json:"out_features"`
	FanInFanOut bool   `json:"fan_in_fan_out"`
	Seed        *int64 `json:"seed,omitempty"`
	WeightSeed  *int64 `json:"weight_seed,omitempty"`
}

// LayerResponse describes one hosted layer.
type LayerResponse struct {
	ID             string   `json:"id"`
	Object         string   `json:"object"`
	CreatedAt      int64    `json:"created_at"`
	InFeatures     int      `json:"in_features"`
	OutFeatures    int      `json:"out_features"`
	FanInFanOut    bool     `json:"fan_in_fan_out"`
	Adapters       []string `json:"adapters"`
	ActiveAdapters []string `json:"active_adapters"`
	Merged         bool     `json:"merged"`
	MergedAdapters []string `json:"merged_adapters,omitempty"`
	Training       bool     `json:"training"`
}

// LayerList is the paging-free list envelope.
type LayerList struct {
	Object string          `json:"object"`
	Data   []LayerResponse `json:"data"`
}

// DeleteLayerResponse confirms removal.
type DeleteLayerResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// AttachAdapterRequest attaches a named adapter to a layer. The first
// adapter on a layer seeds the shared vector bank; BankSeed fills it with
// reproducible pseudo-random values, otherwise it starts zeroed.
type AttachAdapterRequest struct {
	Name         string  `json:"name"`
	R            int     `json:"r"`
	TopK         int     `json:"topk"`
	NumVectors   int     `json:"num_vectors"`
	VectorLength int     `json:"vector_length"`
	Dropout      float64 `json:"vblora_dropout"`
	InitWeights  *bool   `json:"init_weights,omitempty"`
	BankSeed     *int64  `json:"bank_seed,omitempty"`
}

// SetActiveRequest selects the adapters the forward pass sums over.
type SetActiveRequest struct {
	Adapters []string `json:"adapters"`
}

// ForwardRequest runs a batch through the layer. Input is row-major,
// shape [batch, in_features].
type ForwardRequest struct {
	Input    [][]float32 `json:"input"`
	Training *bool       `json:"training,omitempty"`
}

// ForwardResponse carries the output batch, shape [batch, out_features].
type ForwardResponse struct {
	Object string      `json:"object"`
	Output [][]float32 `json:"output"`
}

// MergeRequest folds adapters into the base weight. Adapters defaults to
// the active set; Safe requests the checked merge that rejects non-finite
// results.
type MergeRequest struct {
	Safe     bool     `json:"safe"`
	Adapters []string `json:"adapters,omitempty"`
}

// DeltaStatsResponse summarises one adapter's delta weight without
// shipping the full matrix.
type DeltaStatsResponse struct {
	Object  string  `json:"object"`
	Adapter string  `json:"adapter"`
	Rows    int     `json:"rows"`
	Cols    int     `json:"cols"`
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
	Mean    float32 `json:"mean"`
	Norm    float64 `json:"frobenius_norm"`
}

// ResponseError is the error payload body.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
