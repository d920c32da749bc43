package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization events
	EventTypeAuthzGranted EventType = "authz.granted"
	EventTypeAuthzDenied  EventType = "authz.denied"

	// Organization events
	EventTypeOrgCreate           EventType = "org.create"
	EventTypeOrgCreateFailed     EventType = "org.create_failed"
	EventTypeOrgUpdate           EventType = "org.update"
	EventTypeOrgDelete           EventType = "org.delete"
	EventTypeOrgMemberRemove     EventType = "org.member_remove"
	EventTypeOrgMemberLeave      EventType = "org.member_leave"
	EventTypeOrgMemberRoleChange EventType = "org.member_role_change"

	// Invitation events
	EventTypeInvitationCreate  EventType = "invitation.create"
	EventTypeInvitationResend  EventType = "invitation.resend"
	EventTypeInvitationAccept  EventType = "invitation.accept"
	EventTypeInvitationRevoke  EventType = "invitation.revoke"
	EventTypeInvitationExpire  EventType = "invitation.expire"
	EventTypeInvitationDeliver EventType = "invitation.deliver"

	// Admin events
	EventTypeAdminBootstrap     EventType = "admin.bootstrap"
	EventTypeAdminUserProvision EventType = "admin.user_provision"

	// User events
	EventTypeInviteeSignup EventType = "user.invitee_signup"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeUser         ResourceType = "user"
	ResourceTypeOrganization ResourceType = "organization"
	ResourceTypeMembership   ResourceType = "membership"
	ResourceTypeInvitation   ResourceType = "invitation"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID        string `json:"actor_id,omitempty"`
	ActorEmail     string `json:"actor_email,omitempty"`
	SystemRole     string `json:"system_role,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       string       `json:"action,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID        string
	OrganizationID string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}
