// Package idempotency derives stable idempotency keys for mutating calls to
// external services.
//
// A key is recomputed from local state on every attempt instead of being stored,
// so retries of the same logical operation always send the same key:
//
//	key := idempotency.DeriveKey("plan_change", idempotency.Args{
//		"subscription_id":  sub.ExternalID,
//		"current_price_id": current,
//		"new_price_id":     target,
//		"when":             "now",
//	})
package idempotency
