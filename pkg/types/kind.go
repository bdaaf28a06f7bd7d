package types

import (
	"fmt"
	"strings"
)

type ModelKind string

const (
	KindSoilHealth ModelKind = "soil_health"
	KindCrop       ModelKind = "crop"
	KindRainfall   ModelKind = "rainfall"
	KindYield      ModelKind = "yield"
	// KindDisease classifies an uploaded leaf image. It has no training
	// script and keeps no history, so it is not part of AllKinds.
	KindDisease ModelKind = "disease"
)

// AllKinds lists the trainable kinds that record prediction history.
var AllKinds = []ModelKind{KindSoilHealth, KindCrop, KindRainfall, KindYield}

// ParseModelKind accepts the canonical name as well as the dashed form used in URLs.
func ParseModelKind(s string) (ModelKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, k := range AllKinds {
		if string(k) == normalized {
			return k, nil
		}
	}
	if normalized == "soil" {
		return KindSoilHealth, nil
	}
	return "", fmt.Errorf("unknown model kind: %q", s)
}

// Title is the display name used in user-facing messages.
func (k ModelKind) Title() string {
	switch k {
	case KindSoilHealth:
		return "Soil"
	case KindCrop:
		return "Crop"
	case KindRainfall:
		return "Rainfall"
	case KindYield:
		return "Yield"
	case KindDisease:
		return "Disease"
	}
	return string(k)
}
