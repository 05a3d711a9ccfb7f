package broker

import (
	"encoding/json"
	"strconv"

	"github.com/teranos/relay/errors"
)

// WildcardAll in a requirement or capability field matches anything.
const WildcardAll = "all"

// Requirements constrain which workers may claim a job. A zero value (or
// nil pointer on the job) imposes no constraints.
type Requirements struct {
	ServiceType    string                `json:"service_type,omitempty"`
	Component      string                `json:"component,omitempty"`
	Workflow       string                `json:"workflow,omitempty"`
	Models         []string              `json:"models,omitempty"`
	Hardware       *HardwareRequirements `json:"hardware,omitempty"`
	CustomerAccess string                `json:"customer_access,omitempty"` // informational only
}

// HardwareRequirements are per-resource minimums. Each threshold is either
// a number (minimum units) or the wildcard "all" (no requirement).
type HardwareRequirements struct {
	GPUMemoryGB Threshold `json:"gpu_memory_gb,omitempty"`
	RAMGB       Threshold `json:"ram_gb,omitempty"`
	CPUCores    Threshold `json:"cpu_cores,omitempty"`
}

// Threshold is a minimum-capacity requirement that tolerates the wire
// ambiguity of the submission format: JSON number, numeric string, or the
// wildcard "all".
type Threshold struct {
	Value float64
	Any   bool
}

// Satisfied reports whether a worker-reported figure meets the threshold
func (t Threshold) Satisfied(have float64) bool {
	if t.Any {
		return true
	}
	return have >= t.Value
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.Any {
		return []byte(`"` + WildcardAll + `"`), nil
	}
	return json.Marshal(t.Value)
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == WildcardAll || s == "" {
			*t = Threshold{Any: true}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Newf("invalid hardware threshold %q", s)
		}
		*t = Threshold{Value: v}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Wrap(err, "invalid hardware threshold")
	}
	*t = Threshold{Value: v}
	return nil
}
