package predictor

import (
	"strings"
	"time"

	"github.com/georgeshao/farmcast/pkg/types"
)

type fieldType int

const (
	numberField fieldType = iota
	integerField
	textField
)

// unknownArg is passed to prediction scripts for optional numeric inputs the
// caller left out.
const unknownArg = "None"

type Field struct {
	Name     string
	Type     fieldType
	Required bool
	// Default is used for an absent optional field. It is called per request
	// so date-based defaults stay current.
	Default func() interface{}
}

// Definition describes one prediction kind. Fields are listed in the order
// the prediction script expects its positional arguments.
type Definition struct {
	Kind        types.ModelKind
	Fields      []Field
	ValueFields []string
	Artifact    string
	// NoHistory skips the prediction record and the metrics lookup.
	NoHistory   bool
}

func (d Definition) RequiredFields() []string {
	var names []string
	for _, f := range d.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// RequiredMessage renders "a, b and c are required".
func (d Definition) RequiredMessage() string {
	names := d.RequiredFields()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is required"
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are required"
}

func required(name string, t fieldType) Field {
	return Field{Name: name, Type: t, Required: true}
}

func optional(name string, t fieldType, def func() interface{}) Field {
	return Field{Name: name, Type: t, Default: def}
}

func constant(v interface{}) func() interface{} {
	return func() interface{} { return v }
}

func dayOfYear() interface{} {
	return float64(time.Now().YearDay())
}

func DefaultDefinitions() map[types.ModelKind]Definition {
	return map[types.ModelKind]Definition{
		types.KindSoilHealth: {
			Kind: types.KindSoilHealth,
			Fields: []Field{
				required("nitrogen", numberField),
				required("phosphorus", numberField),
				required("potassium", numberField),
				required("ph", numberField),
			},
			ValueFields: []string{"predicted_label", "predictedLabel", "label"},
			Artifact:    "soil_model.pkl",
		},
		types.KindCrop: {
			Kind: types.KindCrop,
			Fields: []Field{
				required("temperature", numberField),
				required("humidity", numberField),
				required("rainfall", numberField),
				optional("soil_ph", numberField, nil),
				optional("soilMoisture", numberField, nil),
				optional("nitrogen", numberField, nil),
				optional("phosphorus", numberField, nil),
				optional("potassium", numberField, nil),
				optional("soilType", textField, constant("")),
				optional("region", textField, constant("")),
				optional("season", textField, constant("")),
			},
			ValueFields: []string{"predictedCrop", "predicted_crop", "prediction"},
			Artifact:    "model.pkl",
		},
		types.KindRainfall: {
			Kind: types.KindRainfall,
			Fields: []Field{
				required("temperature", numberField),
				required("humidity", numberField),
				required("soilMoisture", numberField),
				optional("rainfallLag1", numberField, constant(0.0)),
				optional("dayOfYear", integerField, dayOfYear),
			},
			ValueFields: []string{"predicted_rainfall_mm", "predictedRainfall_mm", "prediction"},
			Artifact:    "rainfall_model.pkl",
		},
		types.KindYield: {
			Kind: types.KindYield,
			Fields: []Field{
				required("area", numberField),
				required("rainfall", numberField),
				required("temperature", numberField),
				required("crop", textField),
				optional("fertilizer", numberField, constant(0.0)),
			},
			ValueFields: []string{"predicted_yield_per_ha", "predicted_yield", "predictedYield"},
			Artifact:    "yield_model.pkl",
		},
		types.KindDisease: {
			Kind: types.KindDisease,
			Fields: []Field{
				required("imagePath", textField),
			},
			ValueFields: []string{"disease", "label"},
			NoHistory:   true,
		},
	}
}
