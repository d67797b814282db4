package domain

import "time"

// IdempotencyRecord maps a caller-supplied (tenantId, idempotencyKey) to the
// dispatchId it produced (spec §3.3).
type IdempotencyRecord struct {
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	DispatchID     string    `json:"dispatch_id"`
	CreatedAt      time.Time `json:"created_at"`
	TTL            time.Time `json:"ttl"`
}
