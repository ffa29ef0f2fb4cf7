package reconcile

// Tolerance controls how far an authoritative source may disagree with the
// stored identity fields.
type Tolerance int

const (
	ToleranceApproximate Tolerance = iota
	ToleranceExact
)

type IdentityKind int

const (
	IdentityExact IdentityKind = iota
	IdentityApproximate
	IdentityMismatch
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityExact:
		return "exact"
	case IdentityApproximate:
		return "approximate"
	default:
		return "mismatch"
	}
}

// Diff is one identity field on which the source disagrees with the store.
type Diff struct {
	Field     string
	Canonical string
	Asserted  string
}

// Identity is the classification of a record whose source asserts title and
// artist authoritatively. On mismatch Diffs lists every disagreeing field.
type Identity struct {
	Kind  IdentityKind
	Diffs []Diff
}

var identityFields = []string{FieldTitle, FieldArtist}

// ClassifyIdentity compares asserted title and artist against the song. Empty
// asserted values are not compared.
func ClassifyIdentity(song Accessor, asserted map[string]string, tol Tolerance) Identity {
	approximate := false

	var diffs []Diff

	for _, field := range identityFields {
		value := asserted[field]
		if value == "" {
			continue
		}

		current, _ := song.Get(field)

		if current != "" && exactEqual(value, current) {
			continue
		}

		if tol == ToleranceApproximate && IsApproximateMatch(value, current) {
			approximate = true
			continue
		}

		diffs = append(diffs, Diff{Field: field, Canonical: current, Asserted: value})
	}

	switch {
	case len(diffs) > 0:
		return Identity{Kind: IdentityMismatch, Diffs: diffs}
	case approximate:
		return Identity{Kind: IdentityApproximate}
	default:
		return Identity{Kind: IdentityExact}
	}
}
