package orgs

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/notify"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// DefaultInvitationTTL is how long an invitation stays acceptable
const DefaultInvitationTTL = 7 * 24 * time.Hour

// Config configures the Service
type Config struct {
	InvitationTTL time.Duration
	// BaseURL prefixes invitation links, e.g. https://backoffice.example.com
	BaseURL string
	// SlugAttempts bounds retries after a slug collision
	SlugAttempts int
}

// DefaultConfig returns the default service configuration
func DefaultConfig() Config {
	return Config{
		InvitationTTL: DefaultInvitationTTL,
		BaseURL:       "http://localhost:8080",
		SlugAttempts:  5,
	}
}

// Service implements organization, membership and invitation operations.
// Every mutation runs in a store transaction and authorizes against the
// transaction's view of memberships.
type Service struct {
	store      Store
	engine     *rbac.Engine
	cache      *CachedLookup
	dispatcher notify.Dispatcher
	audit      audit.Logger
	metrics    *observability.Metrics
	logger     *observability.Logger
	config     Config
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithCache serves read path membership lookups from cache
func WithCache(cache *CachedLookup) Option {
	return func(s *Service) { s.cache = cache }
}

// WithDispatcher sets the email dispatcher used for invitations
func WithDispatcher(d notify.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithAuditLogger records decisions and membership changes
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithMetrics records domain metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service
func NewService(store Store, engine *rbac.Engine, config Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if config.InvitationTTL <= 0 {
		config.InvitationTTL = defaults.InvitationTTL
	}
	if config.SlugAttempts <= 0 {
		config.SlugAttempts = defaults.SlugAttempts
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	s := &Service{
		store:  store,
		engine: engine,
		audit:  audit.NoopLogger{},
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if s.dispatcher == nil {
		s.dispatcher = notify.NewLogDispatcher(s.logger)
	}
	return s
}

// Engine returns the decision engine the service authorizes with
func (s *Service) Engine() *rbac.Engine {
	return s.engine
}

// MembershipSource returns the lookup the service authorizes with, cached
// when a cache is configured
func (s *Service) MembershipSource() rbac.MembershipSource {
	return s.lookup()
}

func (s *Service) lookup() rbac.MembershipSource {
	if s.cache != nil {
		return s.cache
	}
	return s.store
}

func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "orgs."+op, attrs...)
	return ctx, func(errp *error) {
		s.metrics.ObserveOperation(ctx, op, start, *errp)
		observability.EndSpan(span, *errp)
	}
}

// authorize runs one decision against src and turns a denial into an error
func (s *Service) authorize(ctx context.Context, op string, src rbac.MembershipSource, actor rbac.Actor, resource rbac.Resource, action rbac.Action, scope rbac.Scope) (rbac.Decision, error) {
	d, err := s.engine.Check(ctx, src, actor, resource, action, scope)
	s.metrics.RecordDecision(ctx, string(resource), string(action), d.Allowed, d.Reason)
	if err != nil {
		return d, dependency(op, err)
	}
	if !d.Allowed {
		s.recordDenial(ctx, actor, d)
		return d, deniedDecision(op, d)
	}
	return d, nil
}

func deniedDecision(op string, d rbac.Decision) error {
	if d.Reason == rbac.ReasonOrgNotFound {
		return &Error{Kind: KindAuthorizationDenied, Op: op, Reason: d.Reason, Err: ErrOrganizationNotFound}
	}
	return denied(op, d.Reason)
}

func (s *Service) recordDenial(ctx context.Context, actor rbac.Actor, d rbac.Decision) {
	event := s.event(ctx, audit.EventTypeAuthzDenied, audit.EventStatusDenied, actor, d.Scope.OrganizationID)
	event.Action = d.Permission.String()
	event.Reason = d.Reason
	s.recordEvent(ctx, event)
	s.logger.WithActor(actor.UserID, string(actor.SystemRole)).
		WithOrganization(d.Scope.OrganizationID).
		WithField("permission", d.Permission.String()).
		WithField("reason", d.Reason).
		Debug("authorization denied")
}

// checkAssignment enforces the role assignment table on top of a decision
func (s *Service) checkAssignment(ctx context.Context, op string, actor rbac.Actor, d rbac.Decision, targets ...rbac.RoleName) error {
	creator := rbac.EffectiveCreatorRole(actor, d.Role)
	for _, target := range targets {
		if rbac.RoleAssignmentAllowed(creator, target) {
			continue
		}
		s.metrics.RecordDecision(ctx, string(d.Permission.Resource), string(d.Permission.Action), false, rbac.ReasonAssignmentDenied)
		event := s.event(ctx, audit.EventTypeAuthzDenied, audit.EventStatusDenied, actor, d.Scope.OrganizationID)
		event.Action = d.Permission.String()
		event.Reason = rbac.ReasonAssignmentDenied
		event.Metadata["creator_role"] = string(creator)
		event.Metadata["target_role"] = string(target)
		s.recordEvent(ctx, event)
		return &Error{Kind: KindAuthorizationDenied, Op: op, Reason: rbac.ReasonAssignmentDenied, Err: ErrRoleAssignmentNotAllowed}
	}
	return nil
}

func (s *Service) event(ctx context.Context, eventType audit.EventType, status audit.EventStatus, actor rbac.Actor, organizationID string) *audit.Event {
	event := audit.NewEvent(ctx, eventType, status)
	event.ActorID = actor.UserID
	event.ActorEmail = actor.Email
	event.SystemRole = string(actor.SystemRole)
	event.OrganizationID = organizationID
	return event
}

func (s *Service) recordEvent(ctx context.Context, event *audit.Event) {
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("failed to record audit event")
	}
}

func (s *Service) invalidate(organizationID, userID string) {
	if s.cache != nil {
		s.cache.Invalidate(organizationID, userID)
	}
}

func (s *Service) invalidateOrganization(organizationID string) {
	if s.cache != nil {
		s.cache.InvalidateOrganization(organizationID)
	}
}

// InvitationURL returns the acceptance link for an invitation
func (s *Service) InvitationURL(invitationID string) string {
	return s.config.BaseURL + "/accept-invitation/" + invitationID
}

func (s *Service) sendInvitation(ctx context.Context, inv *Invitation, url string) error {
	msg := notify.Message{
		Email:            inv.Email,
		URL:              url,
		Purpose:          notify.PurposeInvitation,
		ExpiresInMinutes: int(s.config.InvitationTTL.Minutes()),
	}
	err := s.dispatcher.Send(ctx, msg)
	s.metrics.RecordNotification(string(notify.PurposeInvitation), err)

	event := audit.NewEvent(ctx, audit.EventTypeInvitationDeliver, audit.EventStatusSuccess)
	event.OrganizationID = inv.OrganizationID
	event.ResourceType = audit.ResourceTypeInvitation
	event.ResourceID = inv.ID
	if err != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = err.Error()
		s.logger.WithError(err).WithOrganization(inv.OrganizationID).WithInvitation(inv.ID).Warn("invitation email dispatch failed")
	}
	s.recordEvent(ctx, event)
	return err
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

func (s *Service) validateOrgRole(role rbac.RoleName) error {
	if !s.engine.Roles().IsOrganizationRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

// InviteMember invites email to join organizationID with role. With
// opts.Resend an active invitation for the same address has its expiry
// extended instead of failing. The invitation is committed before the
// email is dispatched; a dispatch failure is reported in
// InviteResult.DeliveryErr.
func (s *Service) InviteMember(ctx context.Context, actor rbac.Actor, organizationID, email string, role rbac.RoleName, opts InviteOptions) (result *InviteResult, err error) {
	const op = "InviteMember"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID), attribute.String("role", string(role)))
	defer end(&err)

	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, invalid(op, err)
	}
	if err := s.validateOrgRole(role); err != nil {
		return nil, invalid(op, err)
	}

	var (
		inv     *Invitation
		resent  bool
		expired *Invitation
	)
	err = s.store.WithTx(ctx, func(tx Store) error {
		d, err := s.authorize(ctx, op, tx, actor, rbac.ResourceInvitation, rbac.ActionCreate, rbac.OrgScope(organizationID))
		if err != nil {
			return err
		}
		if err := s.checkAssignment(ctx, op, actor, d, role); err != nil {
			return err
		}
		if _, err := tx.LockOrganization(ctx, organizationID); err != nil {
			return err
		}

		now := s.now()
		existing, err := tx.FindPendingInvitation(ctx, organizationID, email)
		switch {
		case errors.Is(err, ErrInvitationNotFound):
		case err != nil:
			return err
		case existing.IsActive(now):
			if !opts.Resend || existing.Role != role {
				return ErrDuplicatePendingInvitation
			}
			existing.ExpiresAt = now.Add(s.config.InvitationTTL)
			if err := tx.UpdateInvitation(ctx, existing); err != nil {
				return err
			}
			inv, resent = existing, true
			return nil
		default:
			existing.Status = InvitationExpired
			if err := tx.UpdateInvitation(ctx, existing); err != nil {
				return err
			}
			expired = existing
		}

		inv = &Invitation{
			ID:             uuid.NewString(),
			OrganizationID: organizationID,
			Email:          email,
			Role:           role,
			Status:         InvitationPending,
			InvitedBy:      actor.UserID,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.config.InvitationTTL),
		}
		return tx.CreateInvitation(ctx, inv)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	if expired != nil {
		s.metrics.RecordInvitationTransition(ctx, string(InvitationPending), string(InvitationExpired))
	}
	eventType := audit.EventTypeInvitationCreate
	if resent {
		eventType = audit.EventTypeInvitationResend
	} else {
		s.metrics.RecordInvitationTransition(ctx, "", string(InvitationPending))
	}
	event := s.event(ctx, eventType, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeInvitation
	event.ResourceID = inv.ID
	event.Metadata["email"] = inv.Email
	event.Metadata["role"] = string(inv.Role)
	s.recordEvent(ctx, event)

	result = &InviteResult{Invitation: inv, URL: s.InvitationURL(inv.ID), Resent: resent}
	result.DeliveryErr = s.sendInvitation(ctx, inv, result.URL)
	return result, nil
}

// AcceptInvitation turns a pending invitation into a membership for actor.
// The actor's email must match the invited address, so actors without an
// email cannot accept. Accepting an invitation the actor already accepted
// returns the current membership.
func (s *Service) AcceptInvitation(ctx context.Context, actor rbac.Actor, invitationID string) (membership *Membership, err error) {
	const op = "AcceptInvitation"
	ctx, end := s.begin(ctx, op, attribute.String("invitation.id", invitationID))
	defer end(&err)

	if !actor.IsAuthenticated() {
		return nil, denied(op, rbac.ReasonUnauthenticated)
	}
	if actor.IsSystemAdmin() {
		return nil, invalid(op, ErrAdminMembership)
	}

	var inv *Invitation
	var changed bool
	err = s.store.WithTx(ctx, func(tx Store) error {
		var err error
		inv, err = tx.LockInvitation(ctx, invitationID)
		if err != nil {
			return err
		}
		if email := NormalizeEmail(actor.Email); email == "" || !strings.EqualFold(email, inv.Email) {
			return &Error{Kind: KindAuthorizationDenied, Op: op, Reason: ErrInvitationEmailMismatch.Error(), Err: ErrInvitationEmailMismatch}
		}

		switch inv.Status {
		case InvitationAccepted:
			if inv.AcceptedBy == nil || *inv.AcceptedBy != actor.UserID {
				return ErrInvitationNotPending
			}
			membership, err = tx.GetMembership(ctx, inv.OrganizationID, actor.UserID)
			if errors.Is(err, ErrMemberNotFound) {
				return ErrInvitationNotPending
			}
			return err
		case InvitationRevoked:
			return fmt.Errorf("%w: %w", ErrInvitationExpired, ErrInvitationRevoked)
		case InvitationExpired:
			return ErrInvitationExpired
		}

		now := s.now()
		if inv.IsExpired(now) {
			return ErrInvitationExpired
		}
		if _, err := tx.LockOrganization(ctx, inv.OrganizationID); err != nil {
			return err
		}

		current, err := tx.GetMembership(ctx, inv.OrganizationID, actor.UserID)
		switch {
		case errors.Is(err, ErrMemberNotFound):
		case err != nil:
			return err
		case current.Role == rbac.RoleOwner && inv.Role != rbac.RoleOwner:
			if err := ensureAnotherOwner(ctx, tx, inv.OrganizationID); err != nil {
				return err
			}
		}

		membership = &Membership{
			UserID:         actor.UserID,
			OrganizationID: inv.OrganizationID,
			Role:           inv.Role,
			JoinedAt:       now,
		}
		if err := tx.UpsertMembership(ctx, membership); err != nil {
			return err
		}

		acceptedBy := actor.UserID
		inv.Status = InvitationAccepted
		inv.AcceptedAt = &now
		inv.AcceptedBy = &acceptedBy
		changed = true
		return tx.UpdateInvitation(ctx, inv)
	})
	if err != nil {
		err = classify(op, err)
		if inv != nil && IsKind(err, KindExpired) {
			event := s.event(ctx, audit.EventTypeInvitationAccept, audit.EventStatusFailure, actor, inv.OrganizationID)
			event.ResourceType = audit.ResourceTypeInvitation
			event.ResourceID = inv.ID
			event.ErrorMessage = err.Error()
			s.recordEvent(ctx, event)
		}
		return nil, err
	}
	if !changed {
		return membership, nil
	}

	s.invalidate(inv.OrganizationID, actor.UserID)
	s.metrics.RecordInvitationTransition(ctx, string(InvitationPending), string(InvitationAccepted))
	s.metrics.RecordMembershipChange("accept_invitation")

	event := s.event(ctx, audit.EventTypeInvitationAccept, audit.EventStatusSuccess, actor, inv.OrganizationID)
	event.ResourceType = audit.ResourceTypeInvitation
	event.ResourceID = inv.ID
	event.Metadata["role"] = string(inv.Role)
	s.recordEvent(ctx, event)

	return membership, nil
}

// RevokeInvitation cancels a pending invitation
func (s *Service) RevokeInvitation(ctx context.Context, actor rbac.Actor, organizationID, invitationID string) (err error) {
	const op = "RevokeInvitation"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID), attribute.String("invitation.id", invitationID))
	defer end(&err)

	err = s.store.WithTx(ctx, func(tx Store) error {
		d, err := s.authorize(ctx, op, tx, actor, rbac.ResourceInvitation, rbac.ActionCancel, rbac.OrgScope(organizationID))
		if err != nil {
			return err
		}
		inv, err := tx.LockInvitation(ctx, invitationID)
		if err != nil {
			return err
		}
		if inv.OrganizationID != organizationID {
			return ErrInvitationNotFound
		}
		if err := s.checkAssignment(ctx, op, actor, d, inv.Role); err != nil {
			return err
		}
		if inv.EffectiveStatus(s.now()) != InvitationPending {
			return ErrInvitationNotPending
		}
		inv.Status = InvitationRevoked
		return tx.UpdateInvitation(ctx, inv)
	})
	if err != nil {
		return classify(op, err)
	}

	s.metrics.RecordInvitationTransition(ctx, string(InvitationPending), string(InvitationRevoked))
	event := s.event(ctx, audit.EventTypeInvitationRevoke, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeInvitation
	event.ResourceID = invitationID
	s.recordEvent(ctx, event)
	return nil
}

// ListInvitations lists an organization's invitations with lazy expiry
// applied to their status. Without includeExpired only acceptable
// invitations are returned.
func (s *Service) ListInvitations(ctx context.Context, actor rbac.Actor, organizationID string, includeExpired bool) (invitations []*Invitation, err error) {
	const op = "ListInvitations"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	if _, err := s.authorize(ctx, op, s.lookup(), actor, rbac.ResourceInvitation, rbac.ActionList, rbac.OrgScope(organizationID)); err != nil {
		return nil, err
	}

	all, err := s.store.ListInvitations(ctx, organizationID)
	if err != nil {
		return nil, classify(op, err)
	}

	now := s.now()
	invitations = make([]*Invitation, 0, len(all))
	for _, inv := range all {
		inv.Status = inv.EffectiveStatus(now)
		if !includeExpired && inv.Status != InvitationPending {
			continue
		}
		invitations = append(invitations, inv)
	}
	return invitations, nil
}

// GetInvitation returns an invitation with its effective status. It is
// readable without membership so the invitee can see what they accept.
func (s *Service) GetInvitation(ctx context.Context, actor rbac.Actor, invitationID string) (*Invitation, error) {
	const op = "GetInvitation"
	if !actor.IsAuthenticated() {
		return nil, denied(op, rbac.ReasonUnauthenticated)
	}
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, classify(op, err)
	}
	if !actor.IsSystemAdmin() && actor.Email != "" && !strings.EqualFold(NormalizeEmail(actor.Email), inv.Email) {
		return nil, notFound(op, ErrInvitationNotFound)
	}
	inv.Status = inv.EffectiveStatus(s.now())
	return inv, nil
}

// HasActiveInvitation reports whether email holds a pending, unexpired
// invitation to any organization. Sign-in uses it to open an account for
// an invitee who has none yet.
func (s *Service) HasActiveInvitation(ctx context.Context, email string) (bool, error) {
	n, err := s.store.CountActiveInvitations(ctx, NormalizeEmail(email), s.now())
	if err != nil {
		return false, dependency("HasActiveInvitation", err)
	}
	return n > 0, nil
}

// createOrganization inserts org, retrying with a fresh slug suffix on
// collision, then runs then inside the same transaction. created reports
// whether the organization row was written before a failure.
func (s *Service) createOrganization(ctx context.Context, name string, then func(tx Store, org *Organization) error) (org *Organization, created bool, err error) {
	base := s.now()
	for attempt := 0; attempt < s.config.SlugAttempts; attempt++ {
		now := base.Add(time.Duration(attempt) * time.Millisecond)
		org = &Organization{
			ID:        uuid.NewString(),
			Name:      name,
			Slug:      GenerateSlug(name, now),
			CreatedAt: base,
			UpdatedAt: base,
		}
		created = false
		err = s.store.WithTx(ctx, func(tx Store) error {
			if err := tx.CreateOrganization(ctx, org); err != nil {
				return err
			}
			created = true
			return then(tx, org)
		})
		if err == nil {
			return org, true, nil
		}
		if created || !errors.Is(err, ErrDuplicateSlug) {
			return org, created, err
		}
		s.logger.WithField("slug", org.Slug).Debug("organization slug taken, retrying")
	}
	return nil, false, err
}

// compensate removes an organization left behind by a store that could not
// roll back a failed creation
func (s *Service) compensate(ctx context.Context, actor rbac.Actor, organizationID string) {
	if _, err := s.store.GetOrganization(ctx, organizationID); err != nil {
		return
	}
	logger := s.logger.WithActor(actor.UserID, string(actor.SystemRole)).WithOrganization(organizationID)
	if err := s.store.DeleteOrganization(ctx, organizationID); err != nil {
		logger.WithError(err).Error("failed to delete organization after failed creation")
		return
	}
	logger.Warn("deleted partially created organization")
}

func (s *Service) creationFailed(ctx context.Context, op string, actor rbac.Actor, org *Organization, cause error) error {
	s.compensate(ctx, actor, org.ID)
	s.metrics.RecordOrganizationCreation("failed")

	event := s.event(ctx, audit.EventTypeOrgCreateFailed, audit.EventStatusFailure, actor, org.ID)
	event.ResourceType = audit.ResourceTypeOrganization
	event.ResourceID = org.ID
	event.ErrorMessage = cause.Error()
	s.recordEvent(ctx, event)

	if errors.Is(cause, ErrOrganizationCreationFailed) {
		return dependency(op, cause)
	}
	return dependency(op, fmt.Errorf("%w: %w", ErrOrganizationCreationFailed, cause))
}

// authorizeCreate allows organization creation through the actor's system
// role. A non-admin creating an organization for themselves is also allowed
// when one of their memberships grants organization:create.
func (s *Service) authorizeCreate(ctx context.Context, op string, actor rbac.Actor, ownerUserID string) error {
	d := s.engine.Authorize(actor, rbac.ResourceOrganization, rbac.ActionCreate, rbac.SystemScope(), rbac.MembershipLookup{})
	if !d.Allowed && d.Reason == rbac.ReasonRoleInsufficient && ownerUserID != "" && ownerUserID == actor.UserID {
		memberships, err := s.store.ListMembershipsForUser(ctx, actor.UserID)
		if err != nil {
			s.metrics.RecordDecision(ctx, string(rbac.ResourceOrganization), string(rbac.ActionCreate), false, rbac.ReasonLookupFailed)
			return dependency(op, err)
		}
		for _, m := range memberships {
			lookup := rbac.MembershipLookup{OrganizationFound: true, Role: m.Role}
			if md := s.engine.Authorize(actor, rbac.ResourceOrganization, rbac.ActionCreate, rbac.OrgScope(m.OrganizationID), lookup); md.Allowed {
				d = md
				break
			}
		}
	}

	s.metrics.RecordDecision(ctx, string(rbac.ResourceOrganization), string(rbac.ActionCreate), d.Allowed, d.Reason)
	if !d.Allowed {
		s.recordDenial(ctx, actor, d)
		return deniedDecision(op, d)
	}
	return nil
}

// CreateOrganizationWithOwner creates an organization and makes
// ownerUserID its owner in one transaction. The creating admin does not
// become a member.
func (s *Service) CreateOrganizationWithOwner(ctx context.Context, actor rbac.Actor, name, ownerUserID string) (org *Organization, err error) {
	const op = "CreateOrganizationWithOwner"
	ctx, end := s.begin(ctx, op)
	defer end(&err)

	ownerUserID = strings.TrimSpace(ownerUserID)
	if err := s.authorizeCreate(ctx, op, actor, ownerUserID); err != nil {
		return nil, err
	}
	name, err = validateName(name)
	if err != nil {
		return nil, invalid(op, err)
	}
	if ownerUserID == "" {
		return nil, invalid(op, ErrMemberNotFound)
	}
	if ownerUserID == actor.UserID && actor.IsSystemAdmin() {
		return nil, invalid(op, ErrAdminMembership)
	}

	org, created, err := s.createOrganization(ctx, name, func(tx Store, org *Organization) error {
		owner := &Membership{
			UserID:         ownerUserID,
			OrganizationID: org.ID,
			Role:           rbac.RoleOwner,
			JoinedAt:       org.CreatedAt,
		}
		if err := tx.UpsertMembership(ctx, owner); err != nil {
			return fmt.Errorf("%w: failed to create owner membership: %w", ErrOrganizationCreationFailed, err)
		}
		return nil
	})
	if err != nil {
		if created || errors.Is(err, ErrOrganizationCreationFailed) {
			return nil, s.creationFailed(ctx, op, actor, org, err)
		}
		s.metrics.RecordOrganizationCreation("failed")
		return nil, classify(op, err)
	}

	s.invalidateOrganization(org.ID)
	s.metrics.RecordOrganizationCreation("created")
	s.metrics.RecordMembershipChange("create_owner")

	event := s.event(ctx, audit.EventTypeOrgCreate, audit.EventStatusSuccess, actor, org.ID)
	event.ResourceType = audit.ResourceTypeOrganization
	event.ResourceID = org.ID
	event.Metadata["slug"] = org.Slug
	event.Metadata["owner_id"] = ownerUserID
	s.recordEvent(ctx, event)

	return org, nil
}

// CreateOrganizationWithInvitation creates an organization whose owner is
// not yet a user. The organization and a pending owner invitation commit
// together; the invitation email is dispatched afterwards. Until the
// invitation is accepted the organization has no members.
func (s *Service) CreateOrganizationWithInvitation(ctx context.Context, actor rbac.Actor, name, ownerEmail string) (org *Organization, result *InviteResult, err error) {
	const op = "CreateOrganizationWithInvitation"
	ctx, end := s.begin(ctx, op)
	defer end(&err)

	if err := s.authorizeCreate(ctx, op, actor, ""); err != nil {
		return nil, nil, err
	}
	if !rbac.RoleAssignmentAllowed(rbac.EffectiveCreatorRole(actor, ""), rbac.RoleOwner) {
		return nil, nil, &Error{Kind: KindAuthorizationDenied, Op: op, Reason: rbac.ReasonAssignmentDenied, Err: ErrRoleAssignmentNotAllowed}
	}
	name, err = validateName(name)
	if err != nil {
		return nil, nil, invalid(op, err)
	}
	ownerEmail = NormalizeEmail(ownerEmail)
	if err := validateEmail(ownerEmail); err != nil {
		return nil, nil, invalid(op, err)
	}

	var inv *Invitation
	org, created, err := s.createOrganization(ctx, name, func(tx Store, org *Organization) error {
		inv = &Invitation{
			ID:             uuid.NewString(),
			OrganizationID: org.ID,
			Email:          ownerEmail,
			Role:           rbac.RoleOwner,
			Status:         InvitationPending,
			InvitedBy:      actor.UserID,
			CreatedAt:      org.CreatedAt,
			ExpiresAt:      org.CreatedAt.Add(s.config.InvitationTTL),
		}
		if err := tx.CreateInvitation(ctx, inv); err != nil {
			return fmt.Errorf("%w: failed to create owner invitation: %w", ErrOrganizationCreationFailed, err)
		}
		return nil
	})
	if err != nil {
		if created || errors.Is(err, ErrOrganizationCreationFailed) {
			return nil, nil, s.creationFailed(ctx, op, actor, org, err)
		}
		s.metrics.RecordOrganizationCreation("failed")
		return nil, nil, classify(op, err)
	}

	s.metrics.RecordOrganizationCreation("awaiting_owner")
	s.metrics.RecordInvitationTransition(ctx, "", string(InvitationPending))

	event := s.event(ctx, audit.EventTypeOrgCreate, audit.EventStatusSuccess, actor, org.ID)
	event.ResourceType = audit.ResourceTypeOrganization
	event.ResourceID = org.ID
	event.Metadata["slug"] = org.Slug
	event.Metadata["owner_email"] = ownerEmail
	s.recordEvent(ctx, event)

	result = &InviteResult{Invitation: inv, URL: s.InvitationURL(inv.ID)}
	result.DeliveryErr = s.sendInvitation(ctx, inv, result.URL)
	return org, result, nil
}

func ensureAnotherOwner(ctx context.Context, tx Store, organizationID string) error {
	owners, err := tx.CountMembersWithRole(ctx, organizationID, rbac.RoleOwner)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// RemoveMember removes userID from the organization. Non-admins can only
// remove members whose role they could assign.
func (s *Service) RemoveMember(ctx context.Context, actor rbac.Actor, organizationID, userID string) (err error) {
	const op = "RemoveMember"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	var removed *Membership
	err = s.store.WithTx(ctx, func(tx Store) error {
		d, err := s.authorize(ctx, op, tx, actor, rbac.ResourceMember, rbac.ActionDelete, rbac.OrgScope(organizationID))
		if err != nil {
			return err
		}
		if _, err := tx.LockOrganization(ctx, organizationID); err != nil {
			return err
		}
		target, err := tx.GetMembership(ctx, organizationID, userID)
		if err != nil {
			return err
		}
		if err := s.checkAssignment(ctx, op, actor, d, target.Role); err != nil {
			return err
		}
		if target.Role == rbac.RoleOwner {
			if err := ensureAnotherOwner(ctx, tx, organizationID); err != nil {
				return err
			}
		}
		removed = target
		return tx.DeleteMembership(ctx, organizationID, userID)
	})
	if err != nil {
		return classify(op, err)
	}

	s.invalidate(organizationID, userID)
	s.metrics.RecordMembershipChange("remove")

	event := s.event(ctx, audit.EventTypeOrgMemberRemove, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeMembership
	event.ResourceID = userID
	event.Metadata["role"] = string(removed.Role)
	s.recordEvent(ctx, event)
	return nil
}

// LeaveOrganization removes the actor's own membership
func (s *Service) LeaveOrganization(ctx context.Context, actor rbac.Actor, organizationID string) (err error) {
	const op = "LeaveOrganization"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	if !actor.IsAuthenticated() {
		return denied(op, rbac.ReasonUnauthenticated)
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.LockOrganization(ctx, organizationID); err != nil {
			return err
		}
		m, err := tx.GetMembership(ctx, organizationID, actor.UserID)
		if err != nil {
			return err
		}
		if m.Role == rbac.RoleOwner {
			if err := ensureAnotherOwner(ctx, tx, organizationID); err != nil {
				return err
			}
		}
		return tx.DeleteMembership(ctx, organizationID, actor.UserID)
	})
	if err != nil {
		return classify(op, err)
	}

	s.invalidate(organizationID, actor.UserID)
	s.metrics.RecordMembershipChange("leave")

	event := s.event(ctx, audit.EventTypeOrgMemberLeave, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeMembership
	event.ResourceID = actor.UserID
	s.recordEvent(ctx, event)
	return nil
}

// ChangeRole changes a member's role in place. Non-admins must be able to
// assign both the member's current role and the new one.
func (s *Service) ChangeRole(ctx context.Context, actor rbac.Actor, organizationID, userID string, newRole rbac.RoleName) (membership *Membership, err error) {
	const op = "ChangeRole"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID), attribute.String("role", string(newRole)))
	defer end(&err)

	if err := s.validateOrgRole(newRole); err != nil {
		return nil, invalid(op, err)
	}

	var previous rbac.RoleName
	err = s.store.WithTx(ctx, func(tx Store) error {
		d, err := s.authorize(ctx, op, tx, actor, rbac.ResourceMember, rbac.ActionUpdate, rbac.OrgScope(organizationID))
		if err != nil {
			return err
		}
		if _, err := tx.LockOrganization(ctx, organizationID); err != nil {
			return err
		}
		target, err := tx.GetMembership(ctx, organizationID, userID)
		if err != nil {
			return err
		}
		if err := s.checkAssignment(ctx, op, actor, d, target.Role, newRole); err != nil {
			return err
		}
		previous = target.Role
		if target.Role == newRole {
			membership = target
			return nil
		}
		if target.Role == rbac.RoleOwner {
			if err := ensureAnotherOwner(ctx, tx, organizationID); err != nil {
				return err
			}
		}
		if err := tx.UpdateMembershipRole(ctx, organizationID, userID, newRole); err != nil {
			return err
		}
		membership, err = tx.GetMembership(ctx, organizationID, userID)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	if previous == newRole {
		return membership, nil
	}

	s.invalidate(organizationID, userID)
	s.metrics.RecordMembershipChange("change_role")

	event := s.event(ctx, audit.EventTypeOrgMemberRoleChange, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeMembership
	event.ResourceID = userID
	event.Metadata["from"] = string(previous)
	event.Metadata["to"] = string(newRole)
	s.recordEvent(ctx, event)

	return membership, nil
}

// GetOrganization returns an organization the actor may read
func (s *Service) GetOrganization(ctx context.Context, actor rbac.Actor, organizationID string) (org *Organization, err error) {
	const op = "GetOrganization"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	if _, err := s.authorize(ctx, op, s.lookup(), actor, rbac.ResourceOrganization, rbac.ActionRead, rbac.OrgScope(organizationID)); err != nil {
		return nil, err
	}
	org, err = s.store.GetOrganization(ctx, organizationID)
	if err != nil {
		return nil, classify(op, err)
	}
	return org, nil
}

// GetOrganizationBySlug resolves a slug and applies the same check as
// GetOrganization
func (s *Service) GetOrganizationBySlug(ctx context.Context, actor rbac.Actor, slug string) (org *Organization, err error) {
	const op = "GetOrganizationBySlug"
	ctx, end := s.begin(ctx, op, attribute.String("organization.slug", slug))
	defer end(&err)

	if !actor.IsAuthenticated() {
		return nil, denied(op, rbac.ReasonUnauthenticated)
	}
	org, err = s.store.GetOrganizationBySlug(ctx, slug)
	if err != nil {
		return nil, classify(op, err)
	}
	if _, err := s.authorize(ctx, op, s.lookup(), actor, rbac.ResourceOrganization, rbac.ActionRead, rbac.OrgScope(org.ID)); err != nil {
		return nil, err
	}
	return org, nil
}

// ListOrganizations lists every organization for admins and the actor's
// own organizations otherwise
func (s *Service) ListOrganizations(ctx context.Context, actor rbac.Actor, opts ListOptions) (page *OrganizationPage, err error) {
	const op = "ListOrganizations"
	ctx, end := s.begin(ctx, op)
	defer end(&err)

	if !actor.IsAuthenticated() {
		return nil, denied(op, rbac.ReasonUnauthenticated)
	}

	opts = opts.normalize()
	var (
		list  []*OrganizationSummary
		total int
	)
	if actor.IsSystemAdmin() {
		list, total, err = s.store.ListOrganizations(ctx, s.now(), opts)
	} else {
		list, total, err = s.store.ListOrganizationsForUser(ctx, actor.UserID, s.now(), opts)
	}
	if err != nil {
		return nil, classify(op, err)
	}

	return &OrganizationPage{
		Organizations: list,
		Total:         total,
		Limit:         opts.Limit,
		Offset:        opts.Offset,
	}, nil
}

// UpdateOrganization renames an organization. The slug never changes.
func (s *Service) UpdateOrganization(ctx context.Context, actor rbac.Actor, organizationID, name string) (org *Organization, err error) {
	const op = "UpdateOrganization"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	name, err = validateName(name)
	if err != nil {
		return nil, invalid(op, err)
	}

	var previous string
	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := s.authorize(ctx, op, tx, actor, rbac.ResourceOrganization, rbac.ActionUpdate, rbac.OrgScope(organizationID)); err != nil {
			return err
		}
		current, err := tx.LockOrganization(ctx, organizationID)
		if err != nil {
			return err
		}
		previous = current.Name
		org, err = tx.UpdateOrganizationName(ctx, organizationID, name)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}

	event := s.event(ctx, audit.EventTypeOrgUpdate, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeOrganization
	event.ResourceID = organizationID
	event.Metadata["from"] = previous
	event.Metadata["to"] = name
	s.recordEvent(ctx, event)

	return org, nil
}

// DeleteOrganization deletes an organization with its memberships and
// invitations. Only system admins may delete.
func (s *Service) DeleteOrganization(ctx context.Context, actor rbac.Actor, organizationID string) (err error) {
	const op = "DeleteOrganization"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := s.authorize(ctx, op, tx, actor, rbac.ResourceOrganization, rbac.ActionDelete, rbac.SystemScope()); err != nil {
			return err
		}
		if _, err := tx.LockOrganization(ctx, organizationID); err != nil {
			return err
		}
		return tx.DeleteOrganization(ctx, organizationID)
	})
	if err != nil {
		return classify(op, err)
	}

	s.invalidateOrganization(organizationID)

	event := s.event(ctx, audit.EventTypeOrgDelete, audit.EventStatusSuccess, actor, organizationID)
	event.ResourceType = audit.ResourceTypeOrganization
	event.ResourceID = organizationID
	s.recordEvent(ctx, event)
	return nil
}

// ListMembers lists an organization's members
func (s *Service) ListMembers(ctx context.Context, actor rbac.Actor, organizationID string) (members []*Membership, err error) {
	const op = "ListMembers"
	ctx, end := s.begin(ctx, op, attribute.String("organization.id", organizationID))
	defer end(&err)

	if _, err := s.authorize(ctx, op, s.lookup(), actor, rbac.ResourceMember, rbac.ActionList, rbac.OrgScope(organizationID)); err != nil {
		return nil, err
	}
	members, err = s.store.ListMemberships(ctx, organizationID)
	if err != nil {
		return nil, classify(op, err)
	}
	return members, nil
}

// CheckPermission evaluates a permission for actor without performing an
// operation. An empty organizationID checks the system scope.
func (s *Service) CheckPermission(ctx context.Context, actor rbac.Actor, resource rbac.Resource, action rbac.Action, organizationID string) (rbac.Decision, error) {
	scope := rbac.SystemScope()
	if organizationID != "" {
		scope = rbac.OrgScope(organizationID)
	}
	d, err := s.engine.Check(ctx, s.lookup(), actor, resource, action, scope)
	s.metrics.RecordDecision(ctx, string(resource), string(action), d.Allowed, d.Reason)
	if err != nil {
		return d, dependency("CheckPermission", err)
	}
	return d, nil
}

// EffectivePermissions lists what actor may do in the organization, or in
// the system scope when organizationID is empty
func (s *Service) EffectivePermissions(ctx context.Context, actor rbac.Actor, organizationID string) ([]rbac.Permission, error) {
	scope := rbac.SystemScope()
	var membership rbac.MembershipLookup
	if organizationID != "" {
		scope = rbac.OrgScope(organizationID)
		if actor.IsAuthenticated() && !actor.IsSystemAdmin() {
			var err error
			membership, err = s.lookup().LookupMembership(ctx, organizationID, actor.UserID)
			if err != nil {
				return nil, dependency("EffectivePermissions", err)
			}
		}
	}
	return s.engine.EffectivePermissions(actor, scope, membership), nil
}

// CleanupExpiredInvitations marks pending invitations past their expiry as
// expired. Reads already project expiry, so running it is optional.
func (s *Service) CleanupExpiredInvitations(ctx context.Context) (n int64, err error) {
	const op = "CleanupExpiredInvitations"
	ctx, end := s.begin(ctx, op)
	defer end(&err)

	n, err = s.store.ExpireInvitations(ctx, s.now())
	if err != nil {
		return 0, classify(op, err)
	}
	if n == 0 {
		return 0, nil
	}

	s.metrics.RecordSweep(n)
	event := audit.NewEvent(ctx, audit.EventTypeInvitationExpire, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeInvitation
	event.Metadata["count"] = n
	s.recordEvent(ctx, event)

	s.logger.WithField("count", n).Info("expired stale invitations")
	return n, nil
}
