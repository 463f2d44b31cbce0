package core

// Kind is a logical category of synchronized data. It tags pending mutations
// and selects the conflict policy used to reconcile them.
type Kind string

const (
	KindTestSubmission Kind = "test-submission"
	KindProfileUpdate  Kind = "profile-update"
	KindResultRefresh  Kind = "result-refresh"
)

// Kinds lists all known mutation kinds, in drain order.
var Kinds = []Kind{KindTestSubmission, KindProfileUpdate, KindResultRefresh}

func (k Kind) Valid() bool {
	switch k {
	case KindTestSubmission, KindProfileUpdate, KindResultRefresh:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
