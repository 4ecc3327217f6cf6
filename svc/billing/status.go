package billing

// ProviderStatusUnknown stands for any status string the table below does
// not list.
const ProviderStatusUnknown = "unknown"

// providerStatuses is the full provider subscription status set. Anything
// not listed resolves through ProviderStatusUnknown, which must never map
// to an entitled state.
var providerStatuses = map[string]Status{
	"active":              StatusActive,
	"trialing":            StatusTrialing,
	"past_due":            StatusPastDue,
	"unpaid":              StatusPastDue,
	"paused":              StatusPastDue,
	"incomplete":          StatusProcessing,
	"incomplete_expired":  StatusCancelled,
	"canceled":            StatusCancelled,
	ProviderStatusUnknown: StatusPastDue,
}

// MapProviderStatus converts a provider status into the local status.
func MapProviderStatus(providerStatus string) Status {
	if s, ok := providerStatuses[providerStatus]; ok {
		return s
	}
	return providerStatuses[ProviderStatusUnknown]
}
