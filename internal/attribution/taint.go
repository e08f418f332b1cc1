package attribution

import "github.com/jibzus/hypesilico/pkg/models"

// Taint marks lifecycles that are not wholly builder-attributed: one fill
// without a positive attribution poisons the whole lifecycle. Taint is
// monotonic — once set it survives every recompute until a from-scratch
// recompile, a deliberate conservatism.

// RecomputeTaint evaluates one lifecycle against the attribution records of
// its effects and returns the (tainted, reason) verdict. attrs maps fill
// fingerprints to their stored attribution; effects is every effect the
// lifecycle has accumulated so far.
func RecomputeTaint(lc models.Lifecycle, effects []models.Effect, attrs map[string]models.Attribution) (bool, string) {
	if lc.IsTainted {
		return true, lc.TaintReason
	}
	for _, eff := range effects {
		a, ok := attrs[eff.Fingerprint]
		if !ok {
			return true, models.TaintNoAttribution
		}
		if !a.Attributed {
			return true, models.TaintNonBuilderFill
		}
	}
	return false, ""
}
