package broker

// Capability matching for the strict claim path. A worker is eligible for
// a job iff every predicate here holds; permissive mode skips this entirely
// (any worker takes any job).

// eligible reports whether caps satisfy the job's service tag and
// requirements. The reason names the first failed predicate for debug logs.
func eligible(j *Job, caps *Capabilities) (bool, string) {
	if caps == nil {
		return false, "no capabilities advertised"
	}

	if !caps.HasService(j.ServiceRequired) {
		return false, "service not offered: " + j.ServiceRequired
	}

	reqs := j.Requirements
	if reqs == nil {
		return checkCustomer(j.CustomerID, caps)
	}

	if reqs.ServiceType != "" && reqs.ServiceType != WildcardAll && !caps.HasService(reqs.ServiceType) {
		return false, "service type not offered: " + reqs.ServiceType
	}
	if !setSatisfies(caps.Components, reqs.Component) {
		return false, "component not supported: " + reqs.Component
	}
	if !setSatisfies(caps.Workflows, reqs.Workflow) {
		return false, "workflow not supported: " + reqs.Workflow
	}

	if ok, reason := checkModels(j, reqs, caps); !ok {
		return false, reason
	}
	if ok, reason := checkHardware(reqs.Hardware, caps.Hardware); !ok {
		return false, reason
	}
	return checkCustomer(j.CustomerID, caps)
}

// setSatisfies implements the "all" wildcard on both sides: an empty or
// wildcard requirement needs nothing; a wildcard declaration accepts
// everything; otherwise the requirement must be in the declared set.
func setSatisfies(declared []string, required string) bool {
	if required == "" || required == WildcardAll {
		return true
	}
	if containsWildcard(declared) {
		return true
	}
	return contains(declared, required)
}

func checkModels(j *Job, reqs *Requirements, caps *Capabilities) (bool, string) {
	if len(reqs.Models) == 0 {
		return true, ""
	}
	if len(reqs.Models) == 1 && reqs.Models[0] == WildcardAll {
		return true, ""
	}

	service := reqs.ServiceType
	if service == "" || service == WildcardAll {
		service = j.ServiceRequired
	}
	declared := caps.Models[service]
	if containsWildcard(declared) {
		return true, ""
	}
	for _, model := range reqs.Models {
		if !contains(declared, model) {
			return false, "model not available: " + model
		}
	}
	return true, ""
}

func checkHardware(reqs *HardwareRequirements, have Hardware) (bool, string) {
	if reqs == nil {
		return true, ""
	}
	if !reqs.GPUMemoryGB.Satisfied(have.GPUMemoryGB) {
		return false, "insufficient GPU memory"
	}
	if !reqs.RAMGB.Satisfied(have.RAMGB) {
		return false, "insufficient RAM"
	}
	if !reqs.CPUCores.Satisfied(float64(have.CPUCores)) {
		return false, "insufficient CPU cores"
	}
	return true, ""
}

// checkCustomer applies isolation policy: the deny-list always excludes;
// under strict isolation a non-empty allow-list is exhaustive.
func checkCustomer(customerID string, caps *Capabilities) (bool, string) {
	access := caps.CustomerAccess
	if access == nil {
		return true, ""
	}
	if customerID != "" && contains(access.DeniedCustomers, customerID) {
		return false, "customer denied: " + customerID
	}
	if access.Isolation == "strict" && len(access.AllowedCustomers) > 0 {
		if !contains(access.AllowedCustomers, customerID) {
			return false, "customer not in allow list"
		}
	}
	return true, ""
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsWildcard(set []string) bool {
	return contains(set, WildcardAll)
}
