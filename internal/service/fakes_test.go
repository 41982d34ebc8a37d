package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alcalc/playsync/internal/domain"
)

type memSubscriptions struct {
	mu   sync.Mutex
	recs map[string]*domain.PlaySubscription
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{recs: make(map[string]*domain.PlaySubscription)}
}

func cloneSub(s *domain.PlaySubscription) *domain.PlaySubscription {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (m *memSubscriptions) GetByToken(_ context.Context, token string) (*domain.PlaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.recs[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSub(s), nil
}

func (m *memSubscriptions) ApplyPatch(_ context.Context, token string, patch domain.SubscriptionPatch) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := cloneSub(m.recs[token])
	after := domain.MergePatch(before, token, patch)
	after.Revision++
	domain.StampProjectionDue(before, after)
	m.recs[token] = cloneSub(after)
	return before, after, nil
}

func (m *memSubscriptions) mutate(token string, fn func(cur *domain.PlaySubscription) *domain.PlaySubscription) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[token]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	before := cloneSub(cur)
	next := fn(cloneSub(cur))
	if next == nil {
		return before, nil, nil
	}
	next.Revision++
	domain.StampProjectionDue(before, next)
	m.recs[token] = cloneSub(next)
	return before, next, nil
}

func (m *memSubscriptions) MarkProjected(_ context.Context, token string, due int64) error {
	_, _, err := m.mutate(token, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		if cur.ProjectedRevision >= due {
			return nil
		}
		cur.ProjectedRevision = due
		return cur
	})
	if err == domain.ErrNotFound {
		return nil
	}
	return err
}

func (m *memSubscriptions) SetOwner(_ context.Context, token, uid string) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	return m.mutate(token, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		if cur.OwnerUID == uid {
			return nil
		}
		cur.OwnerUID = uid
		return cur
	})
}

func (m *memSubscriptions) MarkSwept(_ context.Context, token string, now time.Time) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	return m.mutate(token, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		if !cur.IsActive || domain.IsActiveAt(cur.ExpiryTime, now) {
			return nil
		}
		cur.IsActive = false
		cur.LastSweepAt = &now
		return cur
	})
}

func (m *memSubscriptions) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]*domain.PlaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PlaySubscription
	for _, s := range m.recs {
		if s.IsActive && s.ExpiryTime != nil && !s.ExpiryTime.After(now) {
			out = append(out, cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryTime.Before(*out[j].ExpiryTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSubscriptions) ListUnownedByAccount(_ context.Context, accountID string, limit int) ([]*domain.PlaySubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PlaySubscription
	for _, s := range m.recs {
		if s.OwnerUID == "" && s.LinkedAccountID == accountID {
			out = append(out, cloneSub(s))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSubscriptions) put(s *domain.PlaySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[s.PurchaseToken] = cloneSub(s)
}

type memUsers struct {
	mu          sync.Mutex
	users       map[string]*domain.User
	projections int
	failNext    error
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*domain.User)}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.LastProviderState != nil {
		ps := *u.LastProviderState
		cp.LastProviderState = &ps
	}
	return &cp
}

func (m *memUsers) GetByID(_ context.Context, uid string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *memUsers) upsert(uid string, fn func(u *domain.User)) (*domain.User, *domain.User) {
	before := cloneUser(m.users[uid])
	after := cloneUser(before)
	if after == nil {
		after = &domain.User{UID: uid}
	}
	fn(after)
	m.users[uid] = cloneUser(after)
	return before, after
}

func (m *memUsers) ApplyProjection(_ context.Context, uid string, p domain.UserProjection) (*domain.User, *domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return nil, nil, err
	}
	m.projections++
	before, after := m.upsert(uid, func(u *domain.User) {
		u.SubscriptionStatus = p.SubscriptionStatus
		u.StartTime = p.StartTime
		u.ExpiryTime = p.ExpiryTime
		ps := p.LastProviderState
		u.LastProviderState = &ps
	})
	return before, after, nil
}

func (m *memUsers) SetEmail(_ context.Context, uid, email string) (*domain.User, *domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, after := m.upsert(uid, func(u *domain.User) { u.Email = email })
	return before, after, nil
}

func (m *memUsers) SetAffiliateCode(_ context.Context, uid, code string, at time.Time) (*domain.User, *domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if u.AffiliateCode != "" {
		return nil, nil, domain.ErrAffiliateCodeAlreadySet
	}
	before, after := m.upsert(uid, func(u *domain.User) {
		u.AffiliateCode = code
		u.AffiliateCodeUsedAt = &at
	})
	return before, after, nil
}

func (m *memUsers) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.User
	for _, u := range m.users {
		if u.SubscriptionStatus == domain.StatusActive && u.ExpiryTime != nil && !u.ExpiryTime.After(now) {
			out = append(out, cloneUser(u))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memUsers) MarkInactive(_ context.Context, uids []string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, uid := range uids {
		u, ok := m.users[uid]
		if !ok || u.SubscriptionStatus != domain.StatusActive || u.ExpiryTime == nil || u.ExpiryTime.After(now) {
			continue
		}
		u.SubscriptionStatus = domain.StatusInactive
		n++
	}
	return n, nil
}

func (m *memUsers) ListProviderActive(_ context.Context) ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.User
	for _, u := range m.users {
		if u.ProviderStateOf() == domain.StateActive {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (m *memUsers) get(uid string) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneUser(m.users[uid])
}

type memLinks struct {
	mu       sync.Mutex
	purchase map[string]*domain.PurchaseLink
	account  map[string]*domain.AccountLink
}

func newMemLinks() *memLinks {
	return &memLinks{purchase: make(map[string]*domain.PurchaseLink), account: make(map[string]*domain.AccountLink)}
}

func (m *memLinks) GetPurchaseLink(_ context.Context, token string) (*domain.PurchaseLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.purchase[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memLinks) UpsertPurchaseLink(_ context.Context, link *domain.PurchaseLink) (*domain.PurchaseLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	if old, ok := m.purchase[link.PurchaseToken]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	m.purchase[link.PurchaseToken] = &cp
	out := cp
	return &out, nil
}

func (m *memLinks) GetAccountLink(_ context.Context, accountID string) (*domain.AccountLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.account[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memLinks) UpsertAccountLink(_ context.Context, link *domain.AccountLink) (*domain.AccountLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	if old, ok := m.account[link.AccountID]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	m.account[link.AccountID] = &cp
	out := cp
	return &out, nil
}

type memAffiliates struct {
	mu          sync.Mutex
	codes       map[string]*domain.AffiliateCode
	affiliates  map[string]*domain.Affiliate
	subscribers map[string]*domain.AffiliateSubscriber
	inputs      []*domain.AffiliateInput
	codeReads   int
}

func newMemAffiliates() *memAffiliates {
	return &memAffiliates{
		codes:       make(map[string]*domain.AffiliateCode),
		affiliates:  make(map[string]*domain.Affiliate),
		subscribers: make(map[string]*domain.AffiliateSubscriber),
	}
}

func subKey(affiliateID, uid string) string { return affiliateID + "/" + uid }

func (m *memAffiliates) GetCode(_ context.Context, code string) (*domain.AffiliateCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeReads++
	c, ok := m.codes[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memAffiliates) GetAffiliate(_ context.Context, affiliateID string) (*domain.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.affiliates[affiliateID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAffiliates) Initialize(_ context.Context, code *domain.AffiliateCode, affiliate *domain.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, a := *code, *affiliate
	m.codes[code.Code] = &c
	m.affiliates[affiliate.ID] = &a
	return nil
}

func (m *memAffiliates) RecordInput(_ context.Context, input *domain.AffiliateInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *input
	m.inputs = append(m.inputs, &cp)
	return nil
}

func (m *memAffiliates) GetSubscriber(_ context.Context, affiliateID, uid string) (*domain.AffiliateSubscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[subKey(affiliateID, uid)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memAffiliates) UpdateSubscriber(_ context.Context, affiliateID, uid string, fn domain.SubscriberMutation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *domain.AffiliateSubscriber
	if s, ok := m.subscribers[subKey(affiliateID, uid)]; ok {
		cp := *s
		current = &cp
	}
	next, delta, err := fn(current)
	if err != nil || next == nil {
		return 0, err
	}
	a, ok := m.affiliates[affiliateID]
	if !ok && delta != 0 {
		return 0, domain.ErrNotFound
	}
	next.AffiliateID = affiliateID
	next.UID = uid
	m.subscribers[subKey(affiliateID, uid)] = next
	if delta != 0 {
		a.ActiveSubscribers += delta
	}
	return delta, nil
}

func (m *memAffiliates) ListSubscribers(_ context.Context, affiliateID string) ([]*domain.AffiliateSubscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AffiliateSubscriber
	for _, s := range m.subscribers {
		if s.AffiliateID == affiliateID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memDevices struct {
	mu     sync.Mutex
	tokens map[string]*domain.DeviceToken
	order  []string
}

func newMemDevices() *memDevices {
	return &memDevices{tokens: make(map[string]*domain.DeviceToken)}
}

func (m *memDevices) Upsert(_ context.Context, t *domain.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.Token]; !ok {
		m.order = append(m.order, t.Token)
	}
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *memDevices) ListEnabled(_ context.Context, limit int) ([]*domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DeviceToken
	for _, tok := range m.order {
		t := m.tokens[tok]
		if t.Enabled && len(out) < limit {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDevices) Disable(_ context.Context, token, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return domain.ErrNotFound
	}
	t.Enabled = false
	t.DisableReason = reason
	t.DisabledAt = &at
	return nil
}

type memAnnouncements struct {
	mu    sync.Mutex
	items map[string]*domain.Announcement
}

func newMemAnnouncements() *memAnnouncements {
	return &memAnnouncements{items: make(map[string]*domain.Announcement)}
}

func (m *memAnnouncements) Create(_ context.Context, a *domain.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memAnnouncements) GetByID(_ context.Context, id string) (*domain.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAnnouncements) SetDeleted(_ context.Context, id string, deleted bool, at time.Time) (*domain.Announcement, *domain.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	before := *a
	a.IsDeleted = deleted
	a.UpdatedAt = at
	after := *a
	return &before, &after, nil
}

type memStats struct {
	mu     sync.Mutex
	count  int
	emails map[string]bool
}

func newMemStats() *memStats {
	return &memStats{emails: make(map[string]bool)}
}

func (m *memStats) Get(_ context.Context) (*domain.SubscriberStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &domain.SubscriberStats{Count: m.count}
	for e := range m.emails {
		out.Emails = append(out.Emails, e)
	}
	sort.Strings(out.Emails)
	return out, nil
}

func (m *memStats) Adjust(_ context.Context, d domain.StatsDelta, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Add {
		m.count++
		m.emails[d.Email] = true
	} else {
		m.count--
		delete(m.emails, d.Email)
	}
	return nil
}

func (m *memStats) Replace(_ context.Context, emails []string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count = len(emails)
	m.emails = make(map[string]bool)
	for _, e := range emails {
		m.emails[e] = true
	}
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []*domain.RawEvent
}

func (m *memAudit) Insert(_ context.Context, ev *domain.RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *memAudit) tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		out = append(out, ev.Tag)
	}
	return out
}

type stubProvider struct {
	mu    sync.Mutex
	snaps map[string]*domain.Snapshot
	err   error
	calls int
}

func newStubProvider() *stubProvider {
	return &stubProvider{snaps: make(map[string]*domain.Snapshot)}
}

func (p *stubProvider) FetchSubscription(_ context.Context, _, token string) (*domain.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.snaps[token]
	if !ok {
		return nil, &domain.ProviderError{StatusCode: 404, Err: domain.ErrNotFound}
	}
	cp := *s
	return &cp, nil
}

func (p *stubProvider) set(token string, snap *domain.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[token] = snap
}

type stubPush struct {
	mu      sync.Mutex
	batches [][]string
	codes   map[string]string // token -> error code
	err     error
}

func (p *stubPush) SendMulticast(_ context.Context, msg *domain.PushMessage) (*domain.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]string(nil), msg.Tokens...))
	if p.err != nil {
		return nil, p.err
	}
	res := &domain.PushResult{ErrorCodes: make([]string, len(msg.Tokens))}
	for i, t := range msg.Tokens {
		if code := p.codes[t]; code != "" {
			res.ErrorCodes[i] = code
			res.FailureCount++
		} else {
			res.SuccessCount++
		}
	}
	return res, nil
}

type memProcessed struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memProcessed) IsProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id], nil
}

func (m *memProcessed) MarkProcessed(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	m.seen[id] = true
	return nil
}

type stubLease struct {
	held     bool
	released int
}

func (l *stubLease) AcquireLease(_ context.Context, _ string, _ time.Duration) (func(context.Context), bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) {
		l.held = false
		l.released++
	}, true, nil
}

// testEnv is an engine over in-memory stores with a controllable clock.
type testEnv struct {
	engine     *Engine
	subs       *memSubscriptions
	users      *memUsers
	links      *memLinks
	affiliates *memAffiliates
	devices    *memDevices
	stats      *memStats
	audit      *memAudit
	provider   *stubProvider
	push       *stubPush
	processed  *memProcessed
	now        time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		subs:       newMemSubscriptions(),
		users:      newMemUsers(),
		links:      newMemLinks(),
		affiliates: newMemAffiliates(),
		devices:    newMemDevices(),
		stats:      newMemStats(),
		audit:      &memAudit{},
		provider:   newStubProvider(),
		push:       &stubPush{},
		processed:  &memProcessed{},
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(EngineDeps{
		Subscriptions: env.subs,
		Users:         env.users,
		Links:         env.links,
		Affiliates:    env.affiliates,
		Devices:       env.devices,
		Announcements: newMemAnnouncements(),
		Stats:         env.stats,
		Audit:         env.audit,
		Provider:      env.provider,
		Push:          env.push,
		Processed:     env.processed,
	}, EngineConfig{
		DefaultPackageName: "com.alcalc.app",
		ProcessedTTL:       time.Hour,
		Sweeper:            SweeperConfig{BatchSize: 450},
		Fanout:             FanoutConfig{BatchSize: 2, MaxTokens: 100, Concurrency: 2},
	})

	clock := func() time.Time { return env.now }
	e := env.engine
	e.Reconciler.now = clock
	e.Webhook.now = clock
	e.Links.now = clock
	e.Sweeper.now = clock
	e.Affiliates.now = clock
	e.Stats.now = clock
	e.Fanout.now = clock
	e.Announcements.now = clock
	return env
}

func (env *testEnv) at(d time.Duration) *time.Time {
	t := env.now.Add(d)
	return &t
}

func (env *testEnv) snapshot(state domain.SubscriptionState, expiresIn time.Duration) *domain.Snapshot {
	return &domain.Snapshot{
		State:      state,
		StartTime:  env.at(-24 * time.Hour),
		EndTime:    env.at(expiresIn),
		RegionCode: "MX",
	}
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
