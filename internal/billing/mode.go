package billing

// BillingStrategy is the usage backend's classification of how an
// attribution is billed.
type BillingStrategy string

const (
	// BillingStrategyStripe means the attribution pays via an active
	// card-on-file subscription.
	BillingStrategyStripe BillingStrategy = "stripe"
	// BillingStrategyOther covers everything that is not actively paid,
	// including free and trial accounts.
	BillingStrategyOther BillingStrategy = "other"
	// BillingStrategyUnknown means the backend has no record for the
	// attribution. Treated as not paid.
	BillingStrategyUnknown BillingStrategy = ""
)

// BillingModeKind is the coarse billing regime applicable to an account.
type BillingModeKind string

const (
	// BillingModeNone applies when payment is disabled system-wide, e.g. on
	// self-hosted or dedicated installations.
	BillingModeNone BillingModeKind = "none"
	// BillingModeUsageBased applies whenever payment is enabled.
	BillingModeUsageBased BillingModeKind = "usage-based"
)

// BillingMode is the result of classifying an account.
type BillingMode struct {
	Mode BillingModeKind `json:"mode"`
	// Paid is set for team subjects once a billing strategy is known. It is
	// deliberately absent on the legacy user path, which predates the org
	// migration and never distinguished paid from free.
	Paid *bool `json:"paid,omitempty"`
}

// NoneBillingMode is the mode of every account while payment is disabled.
func NoneBillingMode() BillingMode {
	return BillingMode{Mode: BillingModeNone}
}
