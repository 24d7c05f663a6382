package curriculum

// CertifiedMastery is the trust-weighted mean mastery over modules whose trust
// weight is at least minWeight. It is zero when no module qualifies.
func CertifiedMastery(modules []ModuleProgress, minWeight float64) float64 {
	return weightedMastery(modules, func(m ModuleProgress) bool { return m.Weight >= minWeight })
}

// SupplementaryMastery is the trust-weighted mean mastery over all modules.
func SupplementaryMastery(modules []ModuleProgress) float64 {
	return weightedMastery(modules, func(ModuleProgress) bool { return true })
}

func weightedMastery(modules []ModuleProgress, include func(ModuleProgress) bool) float64 {
	var num, den float64
	for _, m := range modules {
		if !include(m) || m.Weight <= 0 {
			continue
		}
		num += m.Mastery * m.Weight
		den += m.Weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}
