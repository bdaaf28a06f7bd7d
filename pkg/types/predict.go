package types

type ModelMetrics struct {
	ID        string                 `json:"id"`
	Kind      ModelKind              `json:"kind"`
	Metrics   map[string]interface{} `json:"metrics"`
	CreatedAt string                 `json:"createdAt"`
}

type SoilPrediction struct {
	Label       string   `json:"label"`
	Probability *float64 `json:"probability"`
}

type SoilHealthResponse struct {
	Prediction   SoilPrediction `json:"prediction"`
	Suggestion   string         `json:"suggestion"`
	ModelMetrics *ModelMetrics  `json:"modelMetrics"`
	AutoTrained  bool           `json:"autoTrained"`
	Saved        bool           `json:"saved"`
}

type CropResponse struct {
	PredictedCrop string        `json:"predictedCrop"`
	ModelMetrics  *ModelMetrics `json:"modelMetrics"`
	AutoTrained   bool          `json:"autoTrained"`
	Saved         bool          `json:"saved"`
}

type IrrigationAdvice struct {
	Required    bool   `json:"required"`
	Reason      string `json:"reason"`
	SuggestedMm *int   `json:"suggestedMm,omitempty"`
}

type RainfallResponse struct {
	Input               map[string]interface{} `json:"input"`
	PredictedRainfallMm interface{}            `json:"predictedRainfallMm"`
	Irrigation          IrrigationAdvice       `json:"irrigation"`
	PredictionSource    string                 `json:"predictionSource"`
	ModelMetrics        *ModelMetrics          `json:"modelMetrics"`
	AutoTrained         bool                   `json:"autoTrained"`
	Saved               bool                   `json:"saved"`
}

type YieldPrediction struct {
	PredictedYield interface{} `json:"predictedYield"`
}

type YieldResponse struct {
	Prediction   YieldPrediction `json:"prediction"`
	ModelMetrics *ModelMetrics   `json:"modelMetrics"`
	AutoTrained  bool            `json:"autoTrained"`
	Saved        bool            `json:"saved"`
}

type DiseaseResponse struct {
	Disease        string   `json:"disease"`
	Confidence     *float64 `json:"confidence"`
	Recommendation string   `json:"recommendation"`
}

type TrainResponse struct {
	Kind    ModelKind     `json:"kind"`
	Output  string        `json:"output"`
	Metrics *ModelMetrics `json:"metrics"`
}

type ModelStatus struct {
	Kind       ModelKind `json:"kind"`
	Exists     bool      `json:"exists"`
	Path       string    `json:"path,omitempty"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt *string   `json:"modifiedAt,omitempty"`
	Training   bool      `json:"training"`
	LazyTrain  bool      `json:"lazyTrain"`
}
