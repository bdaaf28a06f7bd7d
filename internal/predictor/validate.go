package predictor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/georgeshao/farmcast/internal/parse"
)

// ValidationError reports missing or malformed request fields.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validate checks input against def and returns the normalized inputs (for
// persistence) and the positional script arguments. Absent optional numeric
// fields without a default are passed as unknownArg and left out of inputs.
func validate(def Definition, input map[string]interface{}) (map[string]interface{}, []string, error) {
	var missing []string
	var malformed []string

	inputs := make(map[string]interface{}, len(def.Fields))
	args := make([]string, 0, len(def.Fields))

	for _, f := range def.Fields {
		v, present := input[f.Name]
		if present && isBlank(v) {
			present = false
		}

		if !present {
			if f.Required {
				missing = append(missing, f.Name)
				continue
			}
			if f.Default == nil {
				args = append(args, unknownArg)
				continue
			}
			v = f.Default()
		}

		switch f.Type {
		case textField:
			s := strings.TrimSpace(parse.String(v))
			inputs[f.Name] = s
			args = append(args, s)
		case numberField, integerField:
			n, ok := parse.ToFloat(v)
			if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
				malformed = append(malformed, f.Name)
				continue
			}
			if f.Type == integerField {
				n = math.Round(n)
			}
			inputs[f.Name] = n
			args = append(args, strconv.FormatFloat(n, 'f', -1, 64))
		}
	}

	if len(missing) > 0 {
		return nil, nil, &ValidationError{Message: def.RequiredMessage(), Fields: missing}
	}
	if len(malformed) > 0 {
		return nil, nil, &ValidationError{
			Message: fmt.Sprintf("%s must be numeric", strings.Join(malformed, ", ")),
			Fields:  malformed,
		}
	}
	return inputs, args, nil
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
