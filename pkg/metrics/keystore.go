// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label names specific to the operation map and auth-token table.
const (
	LabelResult = "result"
)

// Operation names for dispatcher entry points not already covered by the
// generic Op* constants in metrics.go.
const (
	OpBegin       = "begin"
	OpUpdate      = "update"
	OpFinish      = "finish"
	OpAbort       = "abort"
	OpAttest      = "attest"
	OpDuplicate   = "duplicate"
	OpGrant       = "grant"
	OpUngrant     = "ungrant"
	OpClearUid    = "clear_uid"
	OpLock        = "lock"
	OpUnlock      = "unlock"
	OpReset       = "reset"
	OpPassword    = "password"
	OpIsEmpty     = "is_empty"
	OpExist       = "exist"
	OpAddAuthTok  = "add_auth_token"
	OpGenUniqueId = "gen_unique_id"
	OpUserChanged = "user_changed"
	OpGetState    = "get_state"
)

var (
	// OperationMapActive tracks the current number of live operations in
	// the operation map, bounded by opmap.MaxOperations.
	OperationMapActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "opmap",
			Name:      "active_operations",
			Help:      "Current number of live operations in the operation map",
		},
	)

	// OperationMapPrunedTotal counts operations evicted by pruning to make
	// room for a new begin().
	OperationMapPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "opmap",
			Name:      "pruned_total",
			Help:      "Total number of operations evicted by pruning",
		},
	)

	// AuthTokenLookupsTotal counts FindAuthorization calls by result
	// (ok, not_required, not_found, expired, wrong_sid, op_handle_required).
	AuthTokenLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "authtoken",
			Name:      "lookups_total",
			Help:      "Total number of auth-token table lookups by result",
		},
		[]string{LabelResult},
	)
)

// RecordOperationMapPrune increments the pruning counter.
func RecordOperationMapPrune() {
	if !enabled.Load() {
		return
	}
	OperationMapPrunedTotal.Inc()
}

// SetOperationMapActive sets the active-operations gauge.
func SetOperationMapActive(count float64) {
	if !enabled.Load() {
		return
	}
	OperationMapActive.Set(count)
}

// RecordAuthTokenLookup records a FindAuthorization result.
func RecordAuthTokenLookup(result string) {
	if !enabled.Load() {
		return
	}
	AuthTokenLookupsTotal.WithLabelValues(result).Inc()
}
