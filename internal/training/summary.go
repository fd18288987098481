package training

import (
	"fmt"
	"strings"

	"github.com/dpolaris/polaris/internal/backend"
)

// Summarize renders a completed job's result, e.g.
// "Trained LSTM on mps - 100 epochs, 87.5% accuracy".
func Summarize(result *backend.TrainingJobResult, fallbackModelType string) string {
	modelType := result.ModelType
	if modelType == "" {
		modelType = fallbackModelType
	}
	device := result.Device
	if device == "" {
		device = "unknown"
	}
	return formatSummary(modelType, device, result.EpochsTrained, result.Metrics.AccuracyOrZero())
}

// SummarizeLegacy renders the synchronous endpoint's response the same way.
func SummarizeLegacy(result *backend.LegacyTrainResult) string {
	return formatSummary(result.ModelType, result.Device, result.EpochsTrained, result.Metrics.AccuracyOrZero())
}

func formatSummary(modelType, device string, epochs int, accuracy float64) string {
	return fmt.Sprintf("Trained %s on %s - %d epochs, %.1f%% accuracy",
		strings.ToUpper(modelType), device, epochs, accuracy*100)
}
