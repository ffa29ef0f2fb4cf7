package reconcile

// ComputeMerge returns the subset of proposed that may be written: a field is
// included only when its proposed value is non-empty and the current value is
// empty. Populated fields are skipped silently. An empty result means there is
// nothing to persist.
func ComputeMerge(current Accessor, proposed map[string]string) map[string]string {
	merge := make(map[string]string)

	for field, value := range proposed {
		if value == "" {
			continue
		}

		if existing, _ := current.Get(field); existing != "" {
			continue
		}

		merge[field] = value
	}

	return merge
}

// Apply writes a merge onto the in-memory song so later records in the same
// run see the filled values.
func Apply(s Accessor, merge map[string]string) {
	for field, value := range merge {
		s.Set(field, value)
	}
}
