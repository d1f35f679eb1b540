// Package audit records who changed approval configuration and who decided
// which approval.
//
// Events are written after the business transaction commits, through a
// Recorder that logs and swallows failures:
//
//	recorder := audit.NewRecorder(dbLogger, logger)
//	recorder.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowDelete, orgID, actorID).
//		OnResource(audit.ResourceTypeWorkflow, workflowID))
//
// DBLogger persists to the audit_logs table created by Migrations.
// MemoryLogger keeps events in process.
package audit
