package provisioning

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/magiclink"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

var (
	ErrOrganizationRequired = errors.New("organization id or name is required for organization roles")
	ErrNameRequired         = errors.New("name is required")
)

// LinkSender issues and emails sign-in and password-reset links
type LinkSender interface {
	SendMagicLink(ctx context.Context, email, userID string) (*magiclink.Link, error)
	SendPasswordReset(ctx context.Context, email, userID string) (*magiclink.Link, error)
}

// Request describes an account an admin wants to create
type Request struct {
	Email    string        `json:"email"`
	Name     string        `json:"name"`
	Username string        `json:"username,omitempty"`
	Role     rbac.RoleName `json:"role"`

	// OrganizationID selects an existing organization for owner,
	// supervisor and employee accounts
	OrganizationID string `json:"organization_id,omitempty"`
	// OrganizationName creates a new organization for an owner account
	OrganizationName string `json:"organization_name,omitempty"`
}

// Result is the outcome of a provisioning call. DeliveryErr is set when the
// account was created but a link could not be emailed.
type Result struct {
	User         *User              `json:"user"`
	Organization *orgs.Organization `json:"organization,omitempty"`
	Invitation   *orgs.InviteResult `json:"invitation,omitempty"`
	Link         *magiclink.Link    `json:"-"`
	DeliveryErr  error              `json:"-"`
}

// Provisioner creates accounts and onboards them into organizations
type Provisioner struct {
	users   UserDirectory
	service *orgs.Service
	links   LinkSender
	audit   audit.Logger
	logger  *observability.Logger
}

// NewProvisioner creates a provisioner
func NewProvisioner(users UserDirectory, service *orgs.Service, links LinkSender, auditLogger audit.Logger, logger *observability.Logger) *Provisioner {
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Provisioner{
		users:   users,
		service: service,
		links:   links,
		audit:   auditLogger,
		logger:  logger,
	}
}

func validateAccount(email, name string) (string, string, error) {
	email = orgs.NormalizeEmail(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", "", orgs.ErrInvalidEmail
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", ErrNameRequired
	}
	return email, name, nil
}

// BootstrapFirstAdmin creates the first system admin and sends them a
// password-reset link to set their password. It fails with ErrAdminExists
// once any admin exists.
func (p *Provisioner) BootstrapFirstAdmin(ctx context.Context, email, name string) (*Result, error) {
	const op = "BootstrapFirstAdmin"

	if strings.TrimSpace(name) == "" {
		name = "Super Admin"
	}
	email, name, err := validateAccount(email, name)
	if err != nil {
		return nil, &orgs.Error{Kind: orgs.KindValidation, Op: op, Err: err}
	}

	user := &User{
		Email:         email,
		Name:          name,
		SystemRole:    rbac.RoleAdmin,
		EmailVerified: true,
	}
	if err := p.users.CreateFirstAdmin(ctx, user); err != nil {
		return nil, classify(op, err)
	}

	event := audit.NewEvent(ctx, audit.EventTypeAdminBootstrap, audit.EventStatusSuccess)
	event.ActorID = user.ID
	event.ActorEmail = user.Email
	event.SystemRole = string(rbac.RoleAdmin)
	event.ResourceType = audit.ResourceTypeUser
	event.ResourceID = user.ID
	p.log(ctx, event)

	result := &Result{User: user}
	result.Link, result.DeliveryErr = p.links.SendPasswordReset(ctx, user.Email, user.ID)
	if result.DeliveryErr != nil {
		p.logger.WithError(result.DeliveryErr).WithActor(user.ID, string(user.SystemRole)).Warn("first admin created but reset link not delivered")
	}
	return result, nil
}

// ProvisionUser creates an account for req. System admins may create any
// account. Other actors need user:create in req.OrganizationID and may only
// hand out roles their own organization role can assign. Organization
// onboarding runs before the account is stored so a
// rejected invitation leaves no orphan account.
func (p *Provisioner) ProvisionUser(ctx context.Context, actor rbac.Actor, req Request) (*Result, error) {
	const op = "ProvisionUser"

	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	d, err := p.service.CheckPermission(ctx, actor, rbac.ResourceUser, rbac.ActionCreate, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &orgs.Error{Kind: orgs.KindAuthorizationDenied, Op: op, Reason: d.Reason}
	}
	if req.Role == "" {
		req.Role = rbac.RoleUser
	}
	if req.Role != rbac.RoleUser && !rbac.RoleAssignmentAllowed(rbac.RoleAdmin, req.Role) {
		return nil, &orgs.Error{Kind: orgs.KindValidation, Op: op, Err: orgs.ErrInvalidRole}
	}
	if !actor.IsSystemAdmin() && !rbac.RoleAssignmentAllowed(d.Role, req.Role) {
		return nil, &orgs.Error{Kind: orgs.KindAuthorizationDenied, Op: op, Reason: rbac.ReasonAssignmentDenied, Err: orgs.ErrRoleAssignmentNotAllowed}
	}

	email, name, err := validateAccount(req.Email, req.Name)
	if err != nil {
		return nil, &orgs.Error{Kind: orgs.KindValidation, Op: op, Err: err}
	}

	if _, err := p.users.GetUserByEmail(ctx, email); err == nil {
		return nil, &orgs.Error{Kind: orgs.KindConflict, Op: op, Err: ErrUserExists}
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, classify(op, err)
	}

	result := &Result{}
	systemRole := rbac.RoleUser
	switch req.Role {
	case rbac.RoleUser:
	case rbac.RoleAdmin:
		systemRole = rbac.RoleAdmin
	case rbac.RoleOwner:
		if req.OrganizationID == "" && req.OrganizationName != "" {
			result.Organization, result.Invitation, err = p.service.CreateOrganizationWithInvitation(ctx, actor, req.OrganizationName, email)
			break
		}
		fallthrough
	default:
		if req.OrganizationID == "" {
			return nil, &orgs.Error{Kind: orgs.KindValidation, Op: op, Err: ErrOrganizationRequired}
		}
		result.Invitation, err = p.service.InviteMember(ctx, actor, req.OrganizationID, email, req.Role, orgs.InviteOptions{})
	}
	if err != nil {
		return nil, err
	}

	user := &User{
		Email:         email,
		Name:          name,
		Username:      strings.TrimSpace(req.Username),
		SystemRole:    systemRole,
		EmailVerified: true,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		return nil, classify(op, err)
	}
	result.User = user

	event := audit.NewEvent(ctx, audit.EventTypeAdminUserProvision, audit.EventStatusSuccess)
	event.ActorID = actor.UserID
	event.ActorEmail = actor.Email
	event.SystemRole = string(actor.SystemRole)
	event.ResourceType = audit.ResourceTypeUser
	event.ResourceID = user.ID
	event.Metadata["role"] = string(req.Role)
	if result.Invitation != nil {
		event.OrganizationID = result.Invitation.Invitation.OrganizationID
	}
	p.log(ctx, event)

	result.Link, result.DeliveryErr = p.links.SendMagicLink(ctx, user.Email, user.ID)
	if result.DeliveryErr == nil && result.Invitation != nil {
		result.DeliveryErr = result.Invitation.DeliveryErr
	}
	return result, nil
}

// GetUser returns an account by id. Admins only.
func (p *Provisioner) GetUser(ctx context.Context, actor rbac.Actor, id string) (*User, error) {
	if err := p.authorizeSystem(ctx, "GetUser", actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	u, err := p.users.GetUser(ctx, id)
	if err != nil {
		return nil, classify("GetUser", err)
	}
	return u, nil
}

// ListUsers returns a page of accounts. Admins only.
func (p *Provisioner) ListUsers(ctx context.Context, actor rbac.Actor, limit, offset int) ([]*User, int, error) {
	if err := p.authorizeSystem(ctx, "ListUsers", actor, rbac.ActionList); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	users, total, err := p.users.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, 0, classify("ListUsers", err)
	}
	return users, total, nil
}

// SendSignInLink emails a magic link to an existing account. An email
// holding an active invitation gets a plain account first. Other unknown
// emails are ignored without an error so the endpoint does not reveal
// which accounts exist.
func (p *Provisioner) SendSignInLink(ctx context.Context, email string) error {
	return p.sendTo(ctx, email, true, p.links.SendMagicLink)
}

// SendPasswordReset emails a password-reset link to an existing account,
// with the same enumeration protection as SendSignInLink
func (p *Provisioner) SendPasswordReset(ctx context.Context, email string) error {
	return p.sendTo(ctx, email, false, p.links.SendPasswordReset)
}

func (p *Provisioner) sendTo(ctx context.Context, email string, openForInvitee bool, send func(context.Context, string, string) (*magiclink.Link, error)) error {
	email = orgs.NormalizeEmail(email)
	u, err := p.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) && openForInvitee {
		u, err = p.openInviteeAccount(ctx, email)
	}
	if errors.Is(err, ErrUserNotFound) {
		p.logger.WithField("email", email).Debug("link requested for unknown email")
		return nil
	}
	if err != nil {
		return classify("SendLink", err)
	}
	if _, err := send(ctx, u.Email, u.ID); err != nil {
		return &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "SendLink", Err: err}
	}
	return nil
}

// openInviteeAccount creates a plain account for an email that holds an
// active invitation, or returns ErrUserNotFound when it holds none
func (p *Provisioner) openInviteeAccount(ctx context.Context, email string) (*User, error) {
	invited, err := p.service.HasActiveInvitation(ctx, email)
	if err != nil {
		return nil, err
	}
	if !invited {
		return nil, ErrUserNotFound
	}
	user := &User{
		Email:      email,
		Name:       strings.SplitN(email, "@", 2)[0],
		SystemRole: rbac.RoleUser,
	}
	err = p.users.CreateUser(ctx, user)
	if errors.Is(err, ErrUserExists) {
		return p.users.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}

	event := audit.NewEvent(ctx, audit.EventTypeInviteeSignup, audit.EventStatusSuccess)
	event.ActorID = user.ID
	event.ActorEmail = user.Email
	event.SystemRole = string(rbac.RoleUser)
	event.ResourceType = audit.ResourceTypeUser
	event.ResourceID = user.ID
	p.log(ctx, event)
	p.logger.WithActor(user.ID, string(user.SystemRole)).Info("account opened for invitee")
	return user, nil
}

func (p *Provisioner) authorizeSystem(ctx context.Context, op string, actor rbac.Actor, action rbac.Action) error {
	d, err := p.service.CheckPermission(ctx, actor, rbac.ResourceUser, action, "")
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &orgs.Error{Kind: orgs.KindAuthorizationDenied, Op: op, Reason: d.Reason}
	}
	return nil
}

func (p *Provisioner) log(ctx context.Context, event *audit.Event) {
	if err := p.audit.Log(ctx, event); err != nil {
		p.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("failed to write audit event")
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrUserExists), errors.Is(err, ErrAdminExists):
		return &orgs.Error{Kind: orgs.KindConflict, Op: op, Err: err}
	case errors.Is(err, ErrUserNotFound):
		return &orgs.Error{Kind: orgs.KindNotFound, Op: op, Err: err}
	default:
		return &orgs.Error{Kind: orgs.KindDependencyFailure, Op: op, Err: err}
	}
}
