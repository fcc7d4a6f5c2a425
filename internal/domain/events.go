package domain

import "time"

// ProcessingStage names a sub-step of a generation attempt. Stages are
// best-effort progress hints; subscribers must not rely on seeing any of them.
type ProcessingStage string

const (
	// StageQueued — job accepted, waiting for a worker.
	StageQueued ProcessingStage = "queued"
	// StageImageAnalysis — photos are being analysed by the model.
	StageImageAnalysis ProcessingStage = "image_analysis"
	// StageCategoryDetection — the marketplace category is being inferred.
	StageCategoryDetection ProcessingStage = "category_detection"
	// StageDescriptionSynthesis — title and description are being written.
	StageDescriptionSynthesis ProcessingStage = "description_synthesis"
)

// ProcessingEvent is a transient progress tick or terminal outcome for one
// product. Events are not persisted; late subscribers query current state
// instead.
type ProcessingEvent struct {
	ProductID  string          `json:"product_id"`
	Status     Status          `json:"status"`
	Stage      ProcessingStage `json:"stage,omitempty"`
	Progress   int             `json:"progress"`
	Confidence *float64        `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
	Terminal   bool            `json:"terminal"`
	At         time.Time       `json:"at"`
}
