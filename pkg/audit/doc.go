// Package audit records who did what to which organization, membership or
// invitation, and every authorization denial.
//
// Events are written through the Logger interface. FileLogger writes JSON
// lines through logrus with size based rotation, DBLogger inserts into the
// audit_logs table and supports Search, and MultiLogger fans out to several
// sinks:
//
//	logger := audit.NewMultiLogger(fileLogger, dbLogger)
//	event := audit.NewEvent(ctx, audit.EventTypeInvitationAccept, audit.EventStatusSuccess)
//	event.ActorID = actor.UserID
//	event.OrganizationID = inv.OrganizationID
//	logger.Log(ctx, event)
//
// Audit failures never fail the operation being audited; callers log them
// and move on.
package audit
