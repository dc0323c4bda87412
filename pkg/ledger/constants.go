package ledger

import "time"

// Operation names and statuses reported through OperationLog.
const (
	OperationLoad           = "load"
	OperationStartSession   = "start_session"
	OperationTick           = "tick"
	OperationStopSession    = "stop_session"
	OperationCancelSession  = "cancel_session"
	OperationAdd            = "add"
	OperationDeduct         = "deduct"
	OperationWeeklyReset    = "weekly_reset"
	OperationMigrate        = "migrate"
	OperationClearMigration = "clear_migration"
	OperationAcceptMigrate  = "accept_migration"

	OperationStatusOK       = "ok"
	OperationStatusError    = "error"
	OperationStatusNoop     = "noop"
	OperationStatusRejected = "rejected"
)

const (
	errorOperationService = "service"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorCodePersist      = "persist"
	errorCodeLoad         = "load"

	scopeKeyDelimiter        = ":"
	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixMigrate = "migration"

	// DefaultCapSeconds bounds any balance.
	DefaultCapSeconds int64 = 1800
	// DefaultFreeTierSeconds is the weekly free-tier allowance.
	DefaultFreeTierSeconds int64 = 60
	// DefaultResetInterval spaces free-tier grants.
	DefaultResetInterval = 7 * 24 * time.Hour
)
