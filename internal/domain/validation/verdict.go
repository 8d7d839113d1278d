package validation

// Assemble turns an evaluator verdict into the status, primary flag and
// criticality stored on the result. Hard errors reject, then review wins,
// then the result is validated.
func Assemble(v Verdict) Outcome {
	o := Outcome{
		Flag:       FlagNormal,
		IsCritical: v.IsCritical,
		Verdict:    v,
	}
	if len(v.Flags) > 0 {
		o.Flag = v.Flags[0]
	}
	switch {
	case len(v.Errors) > 0:
		o.Status = StatusRejected
	case v.RequiresReview || v.IsCritical:
		o.Status = StatusRequiresReview
	default:
		o.Status = StatusValidated
	}
	return o
}
