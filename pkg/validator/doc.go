// Package validator builds declarative validation out of small Rule values.
//
// Each Rule pairs a Check with the ValidationError reported when the check
// fails. Apply evaluates rules and collects every failure into a
// ValidationErrors value, which satisfies the error interface:
//
//	err := validator.Apply(
//	    validator.RequiredString("plan_id", req.PlanID),
//	    validator.ValidSlug("plan_id", req.PlanID),
//	    validator.When(req.SuccessURL != "", validator.ValidURLWithScheme("success_url", req.SuccessURL, []string{"https"})),
//	)
//	if verrs := validator.ExtractValidationErrors(err); verrs != nil {
//	    // verrs.Details() maps each field to its messages
//	}
//
// Rules carry translation keys and values so callers can localize messages.
package validator
