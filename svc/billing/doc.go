// Package billing owns the subscription lifecycle of an organization.
//
// Service runs the synchronous intents (create a checkout, request or
// withdraw cancellation, restart, change plan) and the usage checks that gate
// resource creation. Reconciler applies the payment provider's webhook
// events: checkout confirmation, paid and failed invoices, final dunning
// failure, deletion and updates. Every event is applied exactly once in one
// store transaction that records the event id, locks the subscription row
// and writes features, usage records, reminder links, dunning state and
// billing history together.
//
// Status changes go through a transition table. Provider statuses map to
// local ones through a total table whose unknown entry is never entitled.
//
// Two stores implement Store: PostgresStore for production and MemoryStore
// for tests and local runs. StripeProvider implements Provider.
package billing
