package models

import "encoding/json"

// ProcessorResult is the output contract of the external SAR processor.
// Field names follow the processor's JSON payload.
type ProcessorResult struct {
	Metadata ResultMetadata `json:"metadata"`
	Ships    []Ship         `json:"ships"`
}

// ResultMetadata describes the processed image as a whole.
type ResultMetadata struct {
	ImageShape       [2]int `json:"imageShape"`
	NumShipsDetected int    `json:"numShipsDetected"`
}

// Ship is one detected target with its estimated micro-motion signature.
// Region is [y0, y1, x0, x1] in image coordinates.
type Ship struct {
	ShipID              int               `json:"shipId"`
	Region              [4]int            `json:"region"`
	DisplacementField   DisplacementField `json:"displacementField"`
	DominantFrequencies []FrequencyMode   `json:"dominantFrequencies"`
}

// DisplacementField holds the per-window pixel-tracking offsets over the
// ship region.
type DisplacementField struct {
	RangeOffsets   [][]float64 `json:"rangeOffsets"`
	AzimuthOffsets [][]float64 `json:"azimuthOffsets"`
	Magnitude      [][]float64 `json:"magnitude"`
}

// FrequencyMode is one dominant vibration mode extracted from the
// displacement time series.
type FrequencyMode struct {
	Frequency    [2]float64 `json:"frequency"`
	Amplitude    float64    `json:"amplitude"`
	PeakLocation [2]int     `json:"peakLocation"`
}

// JobView is the caller-facing projection of a job record served by the
// result aggregator. Result is the raw aggregated result JSON, present only
// for COMPLETED jobs.
type JobView struct {
	JobID          string            `json:"job_id"`
	Status         JobStatus         `json:"status"`
	Stale          bool              `json:"stale,omitempty"`
	Error          string            `json:"error,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Visualizations map[string]string `json:"visualizations,omitempty"`
}
