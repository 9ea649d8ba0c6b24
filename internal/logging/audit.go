package logging

// Audit operations emitted by the ledger.
const (
	AuditStake      = "stake"
	AuditWithdraw   = "withdraw"
	AuditRollback   = "rollback"
	AuditCompensate = "compensate"
)

// AuditEvent represents a ledger mutation that should be logged for reconciliation
type AuditEvent struct {
	Operation string // e.g., "stake", "withdraw", "rollback"
	Actor     string // Who performed the action (staker address, API client IP)
	Target    string // What was affected (account address, contract address)
	Result    string // "success" or "failure"
	Details   string // Additional context
}

// Audit logs a ledger mutation with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
