package predictor

import (
	"math"

	"github.com/georgeshao/farmcast/pkg/types"
)

const genericSoilSuggestion = "Refer to soil expert"

var soilSuggestions = map[string]string{
	"Good": "Soil is healthy - maintain current practices",
	"Fair": "Consider targeted fertilization and pH adjustment",
	"Poor": "Significant amendments recommended: add organic matter and balanced NPK",
}

// SoilSuggestion maps a predicted soil label to advice. Unknown labels get
// a generic suggestion.
func SoilSuggestion(label string) string {
	if s, ok := soilSuggestions[label]; ok {
		return s
	}
	return genericSoilSuggestion
}

const (
	rainExpectedMm      = 3.0
	sufficientMoisture  = 40.0
	targetMoisture      = 45.0
	mmPerMoisturePoint  = 0.8
	minimumIrrigationMm = 5
)

// IrrigationAdvice decides whether to irrigate given predicted rainfall and
// current soil moisture. rainKnown is false when the model output was not
// numeric, in which case only moisture is considered.
func IrrigationAdvice(predictedMm float64, rainKnown bool, soilMoisture float64) types.IrrigationAdvice {
	if rainKnown && predictedMm >= rainExpectedMm {
		return types.IrrigationAdvice{Required: false, Reason: "Rain expected"}
	}
	if soilMoisture >= sufficientMoisture {
		return types.IrrigationAdvice{Required: false, Reason: "Soil moisture sufficient"}
	}

	mm := int(math.Round((targetMoisture - soilMoisture) * mmPerMoisturePoint))
	if mm < minimumIrrigationMm {
		mm = minimumIrrigationMm
	}
	return types.IrrigationAdvice{Required: true, Reason: "Dry conditions", SuggestedMm: &mm}
}
