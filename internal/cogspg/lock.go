package cogspg

import "hash/fnv"

// advisoryLockKey hashes a tenant id into the signed 64-bit key space
// pg_try_advisory_lock expects. FNV-1a gives a stable, low-collision
// mapping without pulling in a cryptographic hash for what is purely a
// lock-bucket selector.
func advisoryLockKey(tenantID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	return int64(h.Sum64())
}
