package orgs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

type memberKey struct {
	organizationID string
	userID         string
}

type memState struct {
	orgs        map[string]*Organization
	slugs       map[string]string
	members     map[memberKey]*Membership
	invitations map[string]*Invitation
}

func newMemState() *memState {
	return &memState{
		orgs:        make(map[string]*Organization),
		slugs:       make(map[string]string),
		members:     make(map[memberKey]*Membership),
		invitations: make(map[string]*Invitation),
	}
}

func (st *memState) clone() *memState {
	out := newMemState()
	for k, v := range st.orgs {
		o := *v
		out.orgs[k] = &o
	}
	for k, v := range st.slugs {
		out.slugs[k] = v
	}
	for k, v := range st.members {
		m := *v
		out.members[k] = &m
	}
	for k, v := range st.invitations {
		out.invitations[k] = copyInvitation(v)
	}
	return out
}

func copyInvitation(inv *Invitation) *Invitation {
	c := *inv
	if inv.AcceptedAt != nil {
		t := *inv.AcceptedAt
		c.AcceptedAt = &t
	}
	if inv.AcceptedBy != nil {
		by := *inv.AcceptedBy
		c.AcceptedBy = &by
	}
	return &c
}

// MemoryStore is an in-process Store. Transactions are serialized by a
// single mutex and roll back by restoring a snapshot.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithTx runs fn while holding the store lock
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) view() *memTx {
	return &memTx{state: s.state}
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateOrganization(ctx, org)
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetOrganization(ctx, id)
}

func (s *MemoryStore) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetOrganizationBySlug(ctx, slug)
}

func (s *MemoryStore) LockOrganization(ctx context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockOrganization(ctx, id)
}

func (s *MemoryStore) UpdateOrganizationName(ctx context.Context, id, name string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateOrganizationName(ctx, id, name)
}

func (s *MemoryStore) DeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteOrganization(ctx, id)
}

func (s *MemoryStore) ListOrganizations(ctx context.Context, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListOrganizations(ctx, now, opts)
}

func (s *MemoryStore) ListOrganizationsForUser(ctx context.Context, userID string, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListOrganizationsForUser(ctx, userID, now, opts)
}

func (s *MemoryStore) LookupMembership(ctx context.Context, organizationID, userID string) (rbac.MembershipLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LookupMembership(ctx, organizationID, userID)
}

func (s *MemoryStore) GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetMembership(ctx, organizationID, userID)
}

func (s *MemoryStore) UpsertMembership(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpsertMembership(ctx, m)
}

func (s *MemoryStore) UpdateMembershipRole(ctx context.Context, organizationID, userID string, role rbac.RoleName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateMembershipRole(ctx, organizationID, userID, role)
}

func (s *MemoryStore) DeleteMembership(ctx context.Context, organizationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteMembership(ctx, organizationID, userID)
}

func (s *MemoryStore) ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListMemberships(ctx, organizationID)
}

func (s *MemoryStore) ListMembershipsForUser(ctx context.Context, userID string) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListMembershipsForUser(ctx, userID)
}

func (s *MemoryStore) CountMembersWithRole(ctx context.Context, organizationID string, role rbac.RoleName) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountMembersWithRole(ctx, organizationID, role)
}

func (s *MemoryStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateInvitation(ctx, inv)
}

func (s *MemoryStore) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetInvitation(ctx, id)
}

func (s *MemoryStore) LockInvitation(ctx context.Context, id string) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockInvitation(ctx, id)
}

func (s *MemoryStore) CountActiveInvitations(ctx context.Context, email string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountActiveInvitations(ctx, email, now)
}

func (s *MemoryStore) FindPendingInvitation(ctx context.Context, organizationID, email string) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindPendingInvitation(ctx, organizationID, email)
}

func (s *MemoryStore) UpdateInvitation(ctx context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateInvitation(ctx, inv)
}

func (s *MemoryStore) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListInvitations(ctx, organizationID)
}

func (s *MemoryStore) ExpireInvitations(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ExpireInvitations(ctx, now)
}

// memTx operates on the state directly; the caller holds the lock
type memTx struct {
	state *memState
}

func (t *memTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) CreateOrganization(ctx context.Context, org *Organization) error {
	if _, taken := t.state.slugs[org.Slug]; taken {
		return ErrDuplicateSlug
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	org.UpdatedAt = org.CreatedAt

	stored := *org
	t.state.orgs[org.ID] = &stored
	t.state.slugs[org.Slug] = org.ID
	return nil
}

func (t *memTx) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	org, ok := t.state.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	out := *org
	return &out, nil
}

func (t *memTx) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	id, ok := t.state.slugs[slug]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return t.GetOrganization(ctx, id)
}

func (t *memTx) LockOrganization(ctx context.Context, id string) (*Organization, error) {
	return t.GetOrganization(ctx, id)
}

func (t *memTx) UpdateOrganizationName(ctx context.Context, id, name string) (*Organization, error) {
	org, ok := t.state.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	org.Name = name
	org.UpdatedAt = time.Now().UTC()
	out := *org
	return &out, nil
}

func (t *memTx) DeleteOrganization(ctx context.Context, id string) error {
	org, ok := t.state.orgs[id]
	if !ok {
		return ErrOrganizationNotFound
	}
	delete(t.state.slugs, org.Slug)
	delete(t.state.orgs, id)
	for k := range t.state.members {
		if k.organizationID == id {
			delete(t.state.members, k)
		}
	}
	for k, inv := range t.state.invitations {
		if inv.OrganizationID == id {
			delete(t.state.invitations, k)
		}
	}
	return nil
}

func (t *memTx) summarize(org *Organization, now time.Time, role rbac.RoleName) *OrganizationSummary {
	sum := &OrganizationSummary{Organization: *org, Role: role}
	for k := range t.state.members {
		if k.organizationID == org.ID {
			sum.MemberCount++
		}
	}
	for _, inv := range t.state.invitations {
		if inv.OrganizationID == org.ID && inv.IsActive(now) {
			sum.PendingInvitationCount++
		}
	}
	return sum
}

func sortAndPage(list []*OrganizationSummary, opts ListOptions) []*OrganizationSummary {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Slug < list[j].Slug
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	opts = opts.normalize()
	if opts.Offset >= len(list) {
		return []*OrganizationSummary{}
	}
	end := opts.Offset + opts.Limit
	if end > len(list) {
		end = len(list)
	}
	return list[opts.Offset:end]
}

func (t *memTx) ListOrganizations(ctx context.Context, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	list := make([]*OrganizationSummary, 0, len(t.state.orgs))
	for _, org := range t.state.orgs {
		list = append(list, t.summarize(org, now, ""))
	}
	return sortAndPage(list, opts), len(list), nil
}

func (t *memTx) ListOrganizationsForUser(ctx context.Context, userID string, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	list := make([]*OrganizationSummary, 0)
	for k, m := range t.state.members {
		if k.userID != userID {
			continue
		}
		if org, ok := t.state.orgs[k.organizationID]; ok {
			list = append(list, t.summarize(org, now, m.Role))
		}
	}
	return sortAndPage(list, opts), len(list), nil
}

func (t *memTx) LookupMembership(ctx context.Context, organizationID, userID string) (rbac.MembershipLookup, error) {
	if _, ok := t.state.orgs[organizationID]; !ok {
		return rbac.MembershipLookup{OrganizationFound: false}, nil
	}
	lookup := rbac.MembershipLookup{OrganizationFound: true}
	if m, ok := t.state.members[memberKey{organizationID, userID}]; ok {
		lookup.Role = m.Role
	}
	return lookup, nil
}

func (t *memTx) GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error) {
	m, ok := t.state.members[memberKey{organizationID, userID}]
	if !ok {
		return nil, ErrMemberNotFound
	}
	out := *m
	return &out, nil
}

func (t *memTx) UpsertMembership(ctx context.Context, m *Membership) error {
	if _, ok := t.state.orgs[m.OrganizationID]; !ok {
		return ErrOrganizationNotFound
	}
	now := time.Now().UTC()
	key := memberKey{m.OrganizationID, m.UserID}
	if existing, ok := t.state.members[key]; ok {
		existing.Role = m.Role
		existing.UpdatedAt = now
		m.JoinedAt = existing.JoinedAt
		m.UpdatedAt = now
		return nil
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}
	m.UpdatedAt = now
	stored := *m
	t.state.members[key] = &stored
	return nil
}

func (t *memTx) UpdateMembershipRole(ctx context.Context, organizationID, userID string, role rbac.RoleName) error {
	m, ok := t.state.members[memberKey{organizationID, userID}]
	if !ok {
		return ErrMemberNotFound
	}
	m.Role = role
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) DeleteMembership(ctx context.Context, organizationID, userID string) error {
	key := memberKey{organizationID, userID}
	if _, ok := t.state.members[key]; !ok {
		return ErrMemberNotFound
	}
	delete(t.state.members, key)
	return nil
}

func (t *memTx) ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error) {
	members := make([]*Membership, 0)
	for k, m := range t.state.members {
		if k.organizationID == organizationID {
			out := *m
			members = append(members, &out)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (t *memTx) ListMembershipsForUser(ctx context.Context, userID string) ([]*Membership, error) {
	members := make([]*Membership, 0)
	for k, m := range t.state.members {
		if k.userID == userID {
			out := *m
			members = append(members, &out)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (t *memTx) CountMembersWithRole(ctx context.Context, organizationID string, role rbac.RoleName) (int, error) {
	count := 0
	for k, m := range t.state.members {
		if k.organizationID == organizationID && m.Role == role {
			count++
		}
	}
	return count, nil
}

func (t *memTx) CreateInvitation(ctx context.Context, inv *Invitation) error {
	if _, ok := t.state.orgs[inv.OrganizationID]; !ok {
		return ErrOrganizationNotFound
	}
	if inv.Status == "" {
		inv.Status = InvitationPending
	}
	if inv.Status == InvitationPending {
		for _, other := range t.state.invitations {
			if other.OrganizationID == inv.OrganizationID && other.Email == inv.Email && other.Status == InvitationPending {
				return ErrDuplicatePendingInvitation
			}
		}
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	t.state.invitations[inv.ID] = copyInvitation(inv)
	return nil
}

func (t *memTx) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	inv, ok := t.state.invitations[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	return copyInvitation(inv), nil
}

func (t *memTx) LockInvitation(ctx context.Context, id string) (*Invitation, error) {
	return t.GetInvitation(ctx, id)
}

func (t *memTx) FindPendingInvitation(ctx context.Context, organizationID, email string) (*Invitation, error) {
	for _, inv := range t.state.invitations {
		if inv.OrganizationID == organizationID && inv.Email == email && inv.Status == InvitationPending {
			return copyInvitation(inv), nil
		}
	}
	return nil, ErrInvitationNotFound
}

func (t *memTx) CountActiveInvitations(ctx context.Context, email string, now time.Time) (int, error) {
	count := 0
	for _, inv := range t.state.invitations {
		if inv.Email == email && inv.IsActive(now) {
			count++
		}
	}
	return count, nil
}

func (t *memTx) UpdateInvitation(ctx context.Context, inv *Invitation) error {
	stored, ok := t.state.invitations[inv.ID]
	if !ok {
		return ErrInvitationNotFound
	}
	updated := copyInvitation(stored)
	updated.Status = inv.Status
	updated.ExpiresAt = inv.ExpiresAt
	updated.AcceptedAt = inv.AcceptedAt
	updated.AcceptedBy = inv.AcceptedBy
	t.state.invitations[inv.ID] = copyInvitation(updated)
	return nil
}

func (t *memTx) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	list := make([]*Invitation, 0)
	for _, inv := range t.state.invitations {
		if inv.OrganizationID == organizationID {
			list = append(list, copyInvitation(inv))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (t *memTx) ExpireInvitations(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, inv := range t.state.invitations {
		if inv.IsExpired(now) {
			inv.Status = InvitationExpired
			n++
		}
	}
	return n, nil
}
