package orgs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/notify"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

var (
	admin  = rbac.Actor{UserID: "admin-1", Email: "root@example.com", SystemRole: rbac.RoleAdmin}
	nobody = rbac.Actor{}
)

func user(id, email string) rbac.Actor {
	return rbac.Actor{UserID: id, Email: email, SystemRole: rbac.RoleUser}
}

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (d *recordingDispatcher) Send(ctx context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return d.err
}

func (d *recordingDispatcher) sent() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.messages...)
}

type testEnv struct {
	store      *MemoryStore
	svc        *Service
	dispatcher *recordingDispatcher
	audit      *audit.MemoryLogger
	metrics    *observability.Metrics
	clock      *time.Time
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func newTestEnv(t *testing.T, store Store, opts ...Option) *testEnv {
	t.Helper()

	roles, err := rbac.DefaultRoleSet()
	require.NoError(t, err)

	mem, _ := store.(*MemoryStore)
	if store == nil {
		mem = NewMemoryStore()
		store = mem
	}

	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:      mem,
		dispatcher: &recordingDispatcher{},
		audit:      audit.NewMemoryLogger(256),
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
		clock:      &clock,
	}

	base := []Option{
		WithDispatcher(env.dispatcher),
		WithAuditLogger(env.audit),
		WithMetrics(env.metrics),
		WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)),
		WithClock(func() time.Time { return *env.clock }),
	}
	env.svc = NewService(store, rbac.NewEngine(roles), Config{BaseURL: "https://backoffice.test/"}, append(base, opts...)...)
	return env
}

func (e *testEnv) createOrg(t *testing.T, name, ownerID string) *Organization {
	t.Helper()
	org, err := e.svc.CreateOrganizationWithOwner(context.Background(), admin, name, ownerID)
	require.NoError(t, err)
	return org
}

func (e *testEnv) addMember(t *testing.T, orgID, userID string, role rbac.RoleName) {
	t.Helper()
	require.NoError(t, e.store.UpsertMembership(context.Background(), &Membership{
		UserID: userID, OrganizationID: orgID, Role: role,
	}))
}

func eventsOfType(events []*audit.Event, eventType audit.EventType) []*audit.Event {
	var out []*audit.Event
	for _, e := range events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateOrganizationWithOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("admin creates organization with designated owner", func(t *testing.T) {
		env := newTestEnv(t, nil)

		org, err := env.svc.CreateOrganizationWithOwner(ctx, admin, "  Acme Corp ", "owner-1")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", org.Name)
		assert.Equal(t, GenerateSlug("Acme Corp", *env.clock), org.Slug)

		owner, err := env.store.GetMembership(ctx, org.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleOwner, owner.Role)

		_, err = env.store.GetMembership(ctx, org.ID, admin.UserID)
		assert.ErrorIs(t, err, ErrMemberNotFound)

		created := eventsOfType(env.audit.Events(), audit.EventTypeOrgCreate)
		require.Len(t, created, 1)
		assert.Equal(t, org.ID, created[0].ResourceID)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.OrganizationCreationsTotal.WithLabelValues("created")))
	})

	t.Run("system user is denied", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.svc.CreateOrganizationWithOwner(ctx, user("u-1", "u@example.com"), "Acme", "u-1")
		require.Error(t, err)
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

		denials := eventsOfType(env.audit.Events(), audit.EventTypeAuthzDenied)
		require.Len(t, denials, 1)
		assert.Equal(t, "organization:create", denials[0].Action)
	})

	t.Run("organization owner creates an organization for themselves", func(t *testing.T) {
		env := newTestEnv(t, nil)
		acme := env.createOrg(t, "Acme", "alice")
		alice := user("alice", "alice@example.com")

		shop, err := env.svc.CreateOrganizationWithOwner(ctx, alice, "Second Shop", alice.UserID)
		require.NoError(t, err)
		assert.NotEqual(t, acme.ID, shop.ID)

		m, err := env.store.GetMembership(ctx, shop.ID, alice.UserID)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleOwner, m.Role)

		members, err := env.store.ListMemberships(ctx, shop.ID)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("organization owner cannot create for someone else", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.createOrg(t, "Acme", "alice")

		_, err := env.svc.CreateOrganizationWithOwner(ctx, user("alice", "alice@example.com"), "Other", "bob")
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))
	})

	t.Run("membership without the grant is denied", func(t *testing.T) {
		env := newTestEnv(t, nil)
		acme := env.createOrg(t, "Acme", "alice")
		env.addMember(t, acme.ID, "sam", rbac.RoleSupervisor)

		_, err := env.svc.CreateOrganizationWithOwner(ctx, user("sam", "sam@example.com"), "Sam's", "sam")
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))
	})

	t.Run("unauthenticated is denied", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.svc.CreateOrganizationWithOwner(ctx, nobody, "Acme", "u-1")
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.Equal(t, rbac.ReasonUnauthenticated, ReasonOf(err))
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.svc.CreateOrganizationWithOwner(ctx, admin, "   ", "owner-1")
		assert.True(t, IsKind(err, KindValidation))
		assert.ErrorIs(t, err, ErrInvalidName)

		_, err = env.svc.CreateOrganizationWithOwner(ctx, admin, "Acme", "")
		assert.True(t, IsKind(err, KindValidation))

		_, err = env.svc.CreateOrganizationWithOwner(ctx, admin, "Acme", admin.UserID)
		assert.ErrorIs(t, err, ErrAdminMembership)
	})

	t.Run("slug collision retries with a new suffix", func(t *testing.T) {
		env := newTestEnv(t, nil)
		require.NoError(t, env.store.CreateOrganization(ctx, &Organization{
			Name: "Acme",
			Slug: GenerateSlug("Acme", *env.clock),
		}))

		org, err := env.svc.CreateOrganizationWithOwner(ctx, admin, "Acme", "owner-1")
		require.NoError(t, err)
		assert.Equal(t, GenerateSlug("Acme", env.clock.Add(time.Millisecond)), org.Slug)
	})

	t.Run("slug attempts exhausted", func(t *testing.T) {
		env := newTestEnv(t, nil)
		for i := 0; i < DefaultConfig().SlugAttempts; i++ {
			require.NoError(t, env.store.CreateOrganization(ctx, &Organization{
				Name: "Acme",
				Slug: GenerateSlug("Acme", env.clock.Add(time.Duration(i)*time.Millisecond)),
			}))
		}

		_, err := env.svc.CreateOrganizationWithOwner(ctx, admin, "Acme", "owner-1")
		assert.True(t, IsKind(err, KindConflict))
		assert.ErrorIs(t, err, ErrDuplicateSlug)
	})
}

// faultyStore injects failures into a wrapped store. With nonTx set it
// behaves like a store without transactions: WithTx runs fn directly and
// nothing is rolled back.
type faultyStore struct {
	Store
	upsertErr error
	nonTx     bool
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if f.nonTx {
		return fn(f)
	}
	return f.Store.WithTx(ctx, func(tx Store) error {
		return fn(&faultyStore{Store: tx, upsertErr: f.upsertErr})
	})
}

func (f *faultyStore) UpsertMembership(ctx context.Context, m *Membership) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertMembership(ctx, m)
}

func TestCreateOrganizationAtomicity(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("connection reset by peer")

	tests := []struct {
		name  string
		nonTx bool
	}{
		{name: "transaction rolls back", nonTx: false},
		{name: "compensation deletes organization", nonTx: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewMemoryStore()
			env := newTestEnv(t, &faultyStore{Store: mem, upsertErr: cause, nonTx: tt.nonTx})

			org, err := env.svc.CreateOrganizationWithOwner(ctx, admin, "Acme", "owner-1")
			require.Error(t, err)
			assert.Nil(t, org)
			assert.True(t, IsKind(err, KindDependencyFailure))
			assert.ErrorIs(t, err, ErrOrganizationCreationFailed)
			assert.ErrorIs(t, err, cause)

			list, total, err := mem.ListOrganizations(ctx, *env.clock, ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.Zero(t, total)

			assert.Len(t, eventsOfType(env.audit.Events(), audit.EventTypeOrgCreateFailed), 1)
			assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.OrganizationCreationsTotal.WithLabelValues("failed")))
		})
	}
}

func TestScenarioOwnerOnboarding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	// A: admin creates Acme with alice invited as owner
	org, result, err := env.svc.CreateOrganizationWithInvitation(ctx, admin, "Acme", "Alice@X.com")
	require.NoError(t, err)
	assert.Equal(t, GenerateSlug("Acme", *env.clock), org.Slug)
	assert.Regexp(t, `^acme-\d+$`, org.Slug)
	require.True(t, result.Delivered())
	assert.Equal(t, "alice@x.com", result.Invitation.Email)
	assert.Equal(t, rbac.RoleOwner, result.Invitation.Role)
	assert.Equal(t, InvitationPending, result.Invitation.Status)
	assert.Equal(t, "https://backoffice.test/accept-invitation/"+result.Invitation.ID, result.URL)

	members, err := env.store.ListMemberships(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	sent := env.dispatcher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.Message{
		Email:            "alice@x.com",
		URL:              result.URL,
		Purpose:          notify.PurposeInvitation,
		ExpiresInMinutes: 7 * 24 * 60,
	}, sent[0])

	// B: alice accepts, then accepts again
	alice := user("alice", "alice@x.com")
	m, err := env.svc.AcceptInvitation(ctx, alice, result.Invitation.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, m.Role)

	again, err := env.svc.AcceptInvitation(ctx, alice, result.Invitation.ID)
	require.NoError(t, err)
	assert.Equal(t, m.UserID, again.UserID)
	assert.Equal(t, rbac.RoleOwner, again.Role)

	members, err = env.store.ListMemberships(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)

	inv, err := env.store.GetInvitation(ctx, result.Invitation.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, inv.Status)
	require.NotNil(t, inv.AcceptedBy)
	assert.Equal(t, "alice", *inv.AcceptedBy)
	assert.Len(t, eventsOfType(env.audit.Events(), audit.EventTypeInvitationAccept), 1)

	// C: alice invites bob as supervisor; bob cannot invite carol as owner
	invite, err := env.svc.InviteMember(ctx, alice, org.ID, "bob@x.com", rbac.RoleSupervisor, InviteOptions{})
	require.NoError(t, err)
	bob := user("bob", "bob@x.com")
	_, err = env.svc.AcceptInvitation(ctx, bob, invite.Invitation.ID)
	require.NoError(t, err)

	_, err = env.svc.InviteMember(ctx, bob, org.ID, "carol@x.com", rbac.RoleOwner, InviteOptions{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthorizationDenied))
	assert.ErrorIs(t, err, ErrRoleAssignmentNotAllowed)
	assert.Equal(t, rbac.ReasonAssignmentDenied, ReasonOf(err))

	_, err = env.svc.InviteMember(ctx, bob, org.ID, "carol@x.com", rbac.RoleEmployee, InviteOptions{})
	assert.NoError(t, err)
}

func TestCreateOrganizationWithInvitationDenied(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.svc.CreateOrganizationWithInvitation(context.Background(), user("u-1", ""), "Acme", "a@x.com")
	assert.True(t, IsKind(err, KindAuthorizationDenied))

	_, _, err = env.svc.CreateOrganizationWithInvitation(context.Background(), admin, "Acme", "not-an-email")
	assert.True(t, IsKind(err, KindValidation))
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestInviteMember(t *testing.T) {
	ctx := context.Background()

	t.Run("authorization", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		env.addMember(t, org.ID, "sup-1", rbac.RoleSupervisor)
		env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

		tests := []struct {
			name   string
			actor  rbac.Actor
			orgID  string
			role   rbac.RoleName
			kind   Kind
			reason string
		}{
			{name: "owner invites supervisor", actor: user("owner-1", ""), orgID: org.ID, role: rbac.RoleSupervisor},
			{name: "admin invites owner", actor: admin, orgID: org.ID, role: rbac.RoleOwner},
			{name: "owner cannot invite owner", actor: user("owner-1", ""), orgID: org.ID, role: rbac.RoleOwner, kind: KindAuthorizationDenied, reason: rbac.ReasonAssignmentDenied},
			{name: "supervisor cannot invite supervisor", actor: user("sup-1", ""), orgID: org.ID, role: rbac.RoleSupervisor, kind: KindAuthorizationDenied, reason: rbac.ReasonAssignmentDenied},
			{name: "employee lacks grant", actor: user("emp-1", ""), orgID: org.ID, role: rbac.RoleEmployee, kind: KindAuthorizationDenied, reason: rbac.ReasonRoleInsufficient},
			{name: "non member", actor: user("stranger", ""), orgID: org.ID, role: rbac.RoleEmployee, kind: KindAuthorizationDenied, reason: rbac.ReasonNotMember},
			{name: "unknown organization", actor: user("owner-1", ""), orgID: "missing", role: rbac.RoleEmployee, kind: KindAuthorizationDenied, reason: rbac.ReasonOrgNotFound},
			{name: "system role is not invitable", actor: admin, orgID: org.ID, role: rbac.RoleAdmin, kind: KindValidation},
		}

		for i, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				email := "invitee" + string(rune('a'+i)) + "@example.com"
				result, err := env.svc.InviteMember(ctx, tt.actor, tt.orgID, email, tt.role, InviteOptions{})
				if tt.kind == "" {
					require.NoError(t, err)
					assert.Equal(t, tt.role, result.Invitation.Role)
					assert.Equal(t, tt.actor.UserID, result.Invitation.InvitedBy)
					return
				}
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				assert.Equal(t, tt.reason, ReasonOf(err))
			})
		}
	})

	t.Run("unknown organization wraps not found", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.svc.InviteMember(ctx, user("u-1", ""), "missing", "a@x.com", rbac.RoleEmployee, InviteOptions{})
		assert.ErrorIs(t, err, ErrOrganizationNotFound)

		_, err = env.svc.InviteMember(ctx, admin, "missing", "a@x.com", rbac.RoleEmployee, InviteOptions{})
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("invalid email", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")

		for _, email := range []string{"", "nope", "Bob <bob@x.com>"} {
			_, err := env.svc.InviteMember(ctx, admin, org.ID, email, rbac.RoleEmployee, InviteOptions{})
			assert.ErrorIs(t, err, ErrInvalidEmail, email)
		}
	})

	t.Run("duplicate pending and resend", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		owner := user("owner-1", "")

		first, err := env.svc.InviteMember(ctx, owner, org.ID, "dana@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)

		_, err = env.svc.InviteMember(ctx, owner, org.ID, "DANA@x.com", rbac.RoleEmployee, InviteOptions{})
		assert.True(t, IsKind(err, KindConflict))
		assert.ErrorIs(t, err, ErrDuplicatePendingInvitation)

		_, err = env.svc.InviteMember(ctx, owner, org.ID, "dana@x.com", rbac.RoleSupervisor, InviteOptions{Resend: true})
		assert.ErrorIs(t, err, ErrDuplicatePendingInvitation)

		env.advance(24 * time.Hour)
		resent, err := env.svc.InviteMember(ctx, owner, org.ID, "dana@x.com", rbac.RoleEmployee, InviteOptions{Resend: true})
		require.NoError(t, err)
		assert.True(t, resent.Resent)
		assert.Equal(t, first.Invitation.ID, resent.Invitation.ID)
		assert.Equal(t, env.clock.Add(DefaultInvitationTTL), resent.Invitation.ExpiresAt)

		stored, err := env.store.GetInvitation(ctx, first.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, resent.Invitation.ExpiresAt, stored.ExpiresAt)
		assert.Len(t, env.dispatcher.sent(), 2)
		assert.Len(t, eventsOfType(env.audit.Events(), audit.EventTypeInvitationResend), 1)
	})

	t.Run("expired pending invitation is replaced", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")

		first, err := env.svc.InviteMember(ctx, admin, org.ID, "erin@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)

		env.advance(DefaultInvitationTTL + time.Minute)
		second, err := env.svc.InviteMember(ctx, admin, org.ID, "erin@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)
		assert.NotEqual(t, first.Invitation.ID, second.Invitation.ID)
		assert.False(t, second.Resent)

		old, err := env.store.GetInvitation(ctx, first.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, InvitationExpired, old.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InvitationTransitionsTotal.WithLabelValues("pending", "expired")))
		assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.InvitationTransitionsTotal.WithLabelValues("none", "pending")))
	})

	t.Run("dispatch failure keeps the invitation", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		env.dispatcher.err = errors.New("smtp: 421 service not available")

		result, err := env.svc.InviteMember(ctx, admin, org.ID, "fred@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.False(t, result.Delivered())
		assert.EqualError(t, result.DeliveryErr, "smtp: 421 service not available")

		stored, err := env.store.GetInvitation(ctx, result.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, InvitationPending, stored.Status)

		deliveries := eventsOfType(env.audit.Events(), audit.EventTypeInvitationDeliver)
		require.Len(t, deliveries, 1)
		assert.Equal(t, audit.EventStatusFailure, deliveries[0].Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.NotificationsTotal.WithLabelValues("invitation", "error")))
	})
}

func TestAcceptInvitation(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *Organization, *InviteResult) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		result, err := env.svc.InviteMember(ctx, admin, org.ID, "gina@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)
		return env, org, result
	}

	t.Run("expired invitation is rejected and left pending", func(t *testing.T) {
		env, org, result := setup(t)
		env.advance(DefaultInvitationTTL + time.Second)

		_, err := env.svc.AcceptInvitation(ctx, user("gina", "gina@x.com"), result.Invitation.ID)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindExpired))
		assert.ErrorIs(t, err, ErrInvitationExpired)

		stored, err := env.store.GetInvitation(ctx, result.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, InvitationPending, stored.Status)

		_, err = env.store.GetMembership(ctx, org.ID, "gina")
		assert.ErrorIs(t, err, ErrMemberNotFound)
	})

	t.Run("revoked invitation", func(t *testing.T) {
		env, org, result := setup(t)
		require.NoError(t, env.svc.RevokeInvitation(ctx, user("owner-1", ""), org.ID, result.Invitation.ID))

		_, err := env.svc.AcceptInvitation(ctx, user("gina", "gina@x.com"), result.Invitation.ID)
		assert.True(t, IsKind(err, KindExpired))
		assert.ErrorIs(t, err, ErrInvitationRevoked)
	})

	t.Run("email mismatch", func(t *testing.T) {
		env, _, result := setup(t)

		_, err := env.svc.AcceptInvitation(ctx, user("mallory", "mallory@x.com"), result.Invitation.ID)
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.ErrorIs(t, err, ErrInvitationEmailMismatch)
	})

	t.Run("accepted by someone else", func(t *testing.T) {
		env, _, result := setup(t)

		_, err := env.svc.AcceptInvitation(ctx, user("gina", "gina@x.com"), result.Invitation.ID)
		require.NoError(t, err)
		_, err = env.svc.AcceptInvitation(ctx, user("other", "gina@x.com"), result.Invitation.ID)
		assert.True(t, IsKind(err, KindConflict))
		assert.ErrorIs(t, err, ErrInvitationNotPending)
	})

	t.Run("actor without email is denied", func(t *testing.T) {
		env, org, result := setup(t)

		_, err := env.svc.AcceptInvitation(ctx, user("gina", ""), result.Invitation.ID)
		assert.True(t, IsKind(err, KindAuthorizationDenied))
		assert.ErrorIs(t, err, ErrInvitationEmailMismatch)

		stored, err := env.store.GetInvitation(ctx, result.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, InvitationPending, stored.Status)
		_, err = env.store.GetMembership(ctx, org.ID, "gina")
		assert.ErrorIs(t, err, ErrMemberNotFound)
	})

	t.Run("admins do not accept invitations", func(t *testing.T) {
		env, _, result := setup(t)
		_, err := env.svc.AcceptInvitation(ctx, admin, result.Invitation.ID)
		assert.ErrorIs(t, err, ErrAdminMembership)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		env, _, _ := setup(t)
		_, err := env.svc.AcceptInvitation(ctx, user("gina", "gina@x.com"), "missing")
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("single membership across invitations", func(t *testing.T) {
		env, org, result := setup(t)
		gina := user("gina", "gina@x.com")

		_, err := env.svc.AcceptInvitation(ctx, gina, result.Invitation.ID)
		require.NoError(t, err)

		second, err := env.svc.InviteMember(ctx, admin, org.ID, "gina@x.com", rbac.RoleSupervisor, InviteOptions{})
		require.NoError(t, err)
		m, err := env.svc.AcceptInvitation(ctx, gina, second.Invitation.ID)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleSupervisor, m.Role)

		count := 0
		members, err := env.store.ListMemberships(ctx, org.ID)
		require.NoError(t, err)
		for _, member := range members {
			if member.UserID == "gina" {
				count++
				assert.Equal(t, rbac.RoleSupervisor, member.Role)
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("sole owner cannot be demoted by an invitation", func(t *testing.T) {
		env, org, _ := setup(t)
		result, err := env.svc.InviteMember(ctx, admin, org.ID, "owner@x.com", rbac.RoleEmployee, InviteOptions{})
		require.NoError(t, err)

		_, err = env.svc.AcceptInvitation(ctx, user("owner-1", "owner@x.com"), result.Invitation.ID)
		assert.True(t, IsKind(err, KindInvariantViolation))
		assert.ErrorIs(t, err, ErrLastOwner)
	})
}

func TestDenialsAreLogged(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	env := newTestEnv(t, nil, WithLogger(observability.NewLogger(observability.DebugLevel, &buf)))
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)
	buf.Reset()

	err := env.svc.RemoveMember(ctx, user("emp-1", "emp@x.com"), org.ID, "owner-1")
	require.True(t, IsKind(err, KindAuthorizationDenied))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "authorization denied", line["msg"])
	assert.Equal(t, "emp-1", line[observability.FieldUserID])
	assert.Equal(t, string(rbac.RoleUser), line[observability.FieldSystemRole])
	assert.Equal(t, org.ID, line[observability.FieldOrganizationID])
	assert.Equal(t, rbac.ReasonRoleInsufficient, line["reason"])
}

func TestHasActiveInvitation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	_, err := env.svc.InviteMember(ctx, admin, org.ID, "gina@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)

	ok, err := env.svc.HasActiveInvitation(ctx, " Gina@X.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.svc.HasActiveInvitation(ctx, "nobody@x.com")
	require.NoError(t, err)
	assert.False(t, ok)

	env.advance(DefaultInvitationTTL + time.Second)
	ok, err = env.svc.HasActiveInvitation(ctx, "gina@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeInvitation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "sup-1", rbac.RoleSupervisor)
	other := env.createOrg(t, "Other", "owner-2")

	result, err := env.svc.InviteMember(ctx, admin, org.ID, "hank@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)

	err = env.svc.RevokeInvitation(ctx, user("sup-1", ""), org.ID, result.Invitation.ID)
	assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

	err = env.svc.RevokeInvitation(ctx, user("owner-2", ""), other.ID, result.Invitation.ID)
	assert.True(t, IsKind(err, KindNotFound))

	require.NoError(t, env.svc.RevokeInvitation(ctx, user("owner-1", ""), org.ID, result.Invitation.ID))

	err = env.svc.RevokeInvitation(ctx, user("owner-1", ""), org.ID, result.Invitation.ID)
	assert.True(t, IsKind(err, KindConflict))
	assert.ErrorIs(t, err, ErrInvitationNotPending)

	ownerInvite, err := env.svc.InviteMember(ctx, admin, org.ID, "ivy@x.com", rbac.RoleOwner, InviteOptions{})
	require.NoError(t, err)
	err = env.svc.RevokeInvitation(ctx, user("owner-1", ""), org.ID, ownerInvite.Invitation.ID)
	assert.ErrorIs(t, err, ErrRoleAssignmentNotAllowed)
}

func TestListInvitations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

	stale, err := env.svc.InviteMember(ctx, admin, org.ID, "old@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)
	env.advance(DefaultInvitationTTL + time.Hour)
	fresh, err := env.svc.InviteMember(ctx, admin, org.ID, "new@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)

	owner := user("owner-1", "")
	pending, err := env.svc.ListInvitations(ctx, owner, org.ID, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.Invitation.ID, pending[0].ID)

	all, err := env.svc.ListInvitations(ctx, owner, org.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	statuses := map[string]InvitationStatus{}
	for _, inv := range all {
		statuses[inv.ID] = inv.Status
	}
	assert.Equal(t, InvitationExpired, statuses[stale.Invitation.ID])
	assert.Equal(t, InvitationPending, statuses[fresh.Invitation.ID])

	stored, err := env.store.GetInvitation(ctx, stale.Invitation.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationPending, stored.Status)

	_, err = env.svc.ListInvitations(ctx, user("emp-1", ""), org.ID, false)
	assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()

	t.Run("role rules", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		env.addMember(t, org.ID, "owner-2", rbac.RoleOwner)
		env.addMember(t, org.ID, "sup-1", rbac.RoleSupervisor)
		env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

		err := env.svc.RemoveMember(ctx, user("sup-1", ""), org.ID, "emp-1")
		assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

		err = env.svc.RemoveMember(ctx, user("owner-1", ""), org.ID, "owner-2")
		assert.ErrorIs(t, err, ErrRoleAssignmentNotAllowed)

		err = env.svc.RemoveMember(ctx, user("owner-1", ""), org.ID, "missing")
		assert.True(t, IsKind(err, KindNotFound))

		require.NoError(t, env.svc.RemoveMember(ctx, user("owner-1", ""), org.ID, "emp-1"))
		_, err = env.store.GetMembership(ctx, org.ID, "emp-1")
		assert.ErrorIs(t, err, ErrMemberNotFound)

		removals := eventsOfType(env.audit.Events(), audit.EventTypeOrgMemberRemove)
		require.Len(t, removals, 1)
		assert.Equal(t, "emp-1", removals[0].ResourceID)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.MembershipChangesTotal.WithLabelValues("remove")))
	})

	t.Run("last owner protection", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")

		err := env.svc.RemoveMember(ctx, admin, org.ID, "owner-1")
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvariantViolation))
		assert.ErrorIs(t, err, ErrLastOwner)
		assert.Contains(t, err.Error(), "cannot remove the only owner - assign a new owner first")

		_, err = env.svc.ChangeRole(ctx, admin, org.ID, "owner-1", rbac.RoleSupervisor)
		assert.True(t, IsKind(err, KindInvariantViolation))

		env.addMember(t, org.ID, "owner-2", rbac.RoleOwner)
		require.NoError(t, env.svc.RemoveMember(ctx, admin, org.ID, "owner-1"))

		env.addMember(t, org.ID, "owner-3", rbac.RoleOwner)
		m, err := env.svc.ChangeRole(ctx, admin, org.ID, "owner-2", rbac.RoleSupervisor)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleSupervisor, m.Role)
	})

	t.Run("concurrent removal keeps one owner", func(t *testing.T) {
		env := newTestEnv(t, nil)
		org := env.createOrg(t, "Acme", "owner-1")
		env.addMember(t, org.ID, "owner-2", rbac.RoleOwner)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []string{"owner-1", "owner-2"} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				errs[i] = env.svc.RemoveMember(ctx, admin, org.ID, id)
			}(i, id)
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
				assert.ErrorIs(t, err, ErrLastOwner)
			}
		}
		assert.Equal(t, 1, failed)

		owners, err := env.store.CountMembersWithRole(ctx, org.ID, rbac.RoleOwner)
		require.NoError(t, err)
		assert.Equal(t, 1, owners)
	})
}

func TestLeaveOrganization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

	err := env.svc.LeaveOrganization(ctx, user("owner-1", ""), org.ID)
	assert.ErrorIs(t, err, ErrLastOwner)

	require.NoError(t, env.svc.LeaveOrganization(ctx, user("emp-1", ""), org.ID))
	err = env.svc.LeaveOrganization(ctx, user("emp-1", ""), org.ID)
	assert.True(t, IsKind(err, KindNotFound))

	err = env.svc.LeaveOrganization(ctx, nobody, org.ID)
	assert.True(t, IsKind(err, KindAuthorizationDenied))

	assert.Len(t, eventsOfType(env.audit.Events(), audit.EventTypeOrgMemberLeave), 1)
}

func TestChangeRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "sup-1", rbac.RoleSupervisor)
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)
	owner := user("owner-1", "")

	m, err := env.svc.ChangeRole(ctx, owner, org.ID, "emp-1", rbac.RoleSupervisor)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleSupervisor, m.Role)

	_, err = env.svc.ChangeRole(ctx, owner, org.ID, "emp-1", rbac.RoleOwner)
	assert.ErrorIs(t, err, ErrRoleAssignmentNotAllowed)

	_, err = env.svc.ChangeRole(ctx, owner, org.ID, "owner-1", rbac.RoleEmployee)
	assert.ErrorIs(t, err, ErrRoleAssignmentNotAllowed)

	_, err = env.svc.ChangeRole(ctx, user("sup-1", ""), org.ID, "emp-1", rbac.RoleEmployee)
	assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

	_, err = env.svc.ChangeRole(ctx, owner, org.ID, "emp-1", rbac.RoleAdmin)
	assert.True(t, IsKind(err, KindValidation))
	assert.ErrorIs(t, err, ErrInvalidRole)

	m, err = env.svc.ChangeRole(ctx, admin, org.ID, "sup-1", rbac.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, m.Role)

	m, err = env.svc.ChangeRole(ctx, admin, org.ID, "owner-1", rbac.RoleEmployee)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEmployee, m.Role)

	changes := eventsOfType(env.audit.Events(), audit.EventTypeOrgMemberRoleChange)
	require.Len(t, changes, 3)
	assert.Equal(t, "owner", changes[2].Metadata["from"])
	assert.Equal(t, "employee", changes[2].Metadata["to"])
}

func TestOrganizationReads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	acme := env.createOrg(t, "Acme", "owner-1")
	env.advance(time.Second)
	globex := env.createOrg(t, "Globex", "owner-2")
	env.addMember(t, acme.ID, "emp-1", rbac.RoleEmployee)
	_, err := env.svc.InviteMember(ctx, admin, acme.ID, "pending@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		org, err := env.svc.GetOrganization(ctx, user("emp-1", ""), acme.ID)
		require.NoError(t, err)
		assert.Equal(t, acme.Slug, org.Slug)

		_, err = env.svc.GetOrganization(ctx, user("emp-1", ""), globex.ID)
		assert.Equal(t, rbac.ReasonNotMember, ReasonOf(err))

		org, err = env.svc.GetOrganizationBySlug(ctx, user("owner-2", ""), globex.Slug)
		require.NoError(t, err)
		assert.Equal(t, globex.ID, org.ID)

		_, err = env.svc.GetOrganizationBySlug(ctx, admin, "missing")
		assert.True(t, IsKind(err, KindNotFound))
	})

	t.Run("list", func(t *testing.T) {
		page, err := env.svc.ListOrganizations(ctx, admin, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		assert.Equal(t, DefaultListLimit, page.Limit)
		require.Len(t, page.Organizations, 2)
		assert.Equal(t, globex.ID, page.Organizations[0].ID)
		assert.Equal(t, 2, page.Organizations[1].MemberCount)
		assert.Equal(t, 1, page.Organizations[1].PendingInvitationCount)

		page, err = env.svc.ListOrganizations(ctx, user("emp-1", ""), ListOptions{})
		require.NoError(t, err)
		require.Len(t, page.Organizations, 1)
		assert.Equal(t, acme.ID, page.Organizations[0].ID)
		assert.Equal(t, rbac.RoleEmployee, page.Organizations[0].Role)

		page, err = env.svc.ListOrganizations(ctx, admin, ListOptions{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page.Organizations, 1)
		assert.Equal(t, acme.ID, page.Organizations[0].ID)

		_, err = env.svc.ListOrganizations(ctx, nobody, ListOptions{})
		assert.True(t, IsKind(err, KindAuthorizationDenied))
	})

	t.Run("members", func(t *testing.T) {
		members, err := env.svc.ListMembers(ctx, user("emp-1", ""), acme.ID)
		require.NoError(t, err)
		assert.Len(t, members, 2)

		_, err = env.svc.ListMembers(ctx, user("owner-2", ""), acme.ID)
		assert.Equal(t, rbac.ReasonNotMember, ReasonOf(err))
	})
}

func TestUpdateAndDeleteOrganization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

	updated, err := env.svc.UpdateOrganization(ctx, user("owner-1", ""), org.ID, "Acme Holdings")
	require.NoError(t, err)
	assert.Equal(t, "Acme Holdings", updated.Name)
	assert.Equal(t, org.Slug, updated.Slug)

	_, err = env.svc.UpdateOrganization(ctx, user("emp-1", ""), org.ID, "Mine")
	assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

	_, err = env.svc.UpdateOrganization(ctx, user("owner-1", ""), org.ID, "")
	assert.ErrorIs(t, err, ErrInvalidName)

	err = env.svc.DeleteOrganization(ctx, user("owner-1", ""), org.ID)
	assert.Equal(t, rbac.ReasonRoleInsufficient, ReasonOf(err))

	require.NoError(t, env.svc.DeleteOrganization(ctx, admin, org.ID))
	_, err = env.store.GetOrganization(ctx, org.ID)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)
	_, err = env.store.GetMembership(ctx, org.ID, "owner-1")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	err = env.svc.DeleteOrganization(ctx, admin, org.ID)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestCleanupExpiredInvitations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")

	_, err := env.svc.InviteMember(ctx, admin, org.ID, "a@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)
	_, err = env.svc.InviteMember(ctx, admin, org.ID, "b@x.com", rbac.RoleEmployee, InviteOptions{})
	require.NoError(t, err)

	n, err := env.svc.CleanupExpiredInvitations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.advance(DefaultInvitationTTL + time.Minute)
	n, err = env.svc.CleanupExpiredInvitations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.ExpiredInvitationsSwept))

	n, err = env.svc.CleanupExpiredInvitations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCachedReadsAreInvalidated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := NewCachedLookup(store, DefaultCacheConfig())
	env := newTestEnv(t, store, WithCache(cache))
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

	_, err := env.svc.ListMembers(ctx, user("emp-1", ""), org.ID)
	require.NoError(t, err)
	_, err = env.svc.ListMembers(ctx, user("emp-1", ""), org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cache.Stats().Hits)

	require.NoError(t, env.svc.RemoveMember(ctx, user("owner-1", ""), org.ID, "emp-1"))

	_, err = env.svc.ListMembers(ctx, user("emp-1", ""), org.ID)
	assert.Equal(t, rbac.ReasonNotMember, ReasonOf(err))
}

func TestCheckPermission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")

	d, err := env.svc.CheckPermission(ctx, user("owner-1", ""), rbac.ResourceMember, rbac.ActionDelete, org.ID)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, rbac.RoleOwner, d.Role)

	d, err = env.svc.CheckPermission(ctx, user("owner-1", ""), rbac.ResourceUser, rbac.ActionBan, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, rbac.ReasonRoleInsufficient, d.Reason)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AuthzDecisionsTotal.WithLabelValues(
		string(rbac.ResourceUser), string(rbac.ActionBan), "false", rbac.ReasonRoleInsufficient)))
}

func TestEffectivePermissions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	org := env.createOrg(t, "Acme", "owner-1")
	env.addMember(t, org.ID, "emp-1", rbac.RoleEmployee)

	has := func(perms []rbac.Permission, resource rbac.Resource, action rbac.Action) bool {
		for _, p := range perms {
			if p.Resource == resource && p.Action == action {
				return true
			}
		}
		return false
	}

	perms, err := env.svc.EffectivePermissions(ctx, user("emp-1", ""), org.ID)
	require.NoError(t, err)
	assert.True(t, has(perms, rbac.ResourceMember, rbac.ActionList))
	assert.False(t, has(perms, rbac.ResourceMember, rbac.ActionDelete))

	perms, err = env.svc.EffectivePermissions(ctx, user("owner-1", ""), org.ID)
	require.NoError(t, err)
	assert.True(t, has(perms, rbac.ResourceMember, rbac.ActionDelete))

	perms, err = env.svc.EffectivePermissions(ctx, user("stranger", ""), org.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	perms, err = env.svc.EffectivePermissions(ctx, admin, "")
	require.NoError(t, err)
	assert.True(t, has(perms, rbac.ResourceUser, rbac.ActionImpersonate))
}
