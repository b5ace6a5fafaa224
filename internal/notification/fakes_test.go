package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/alexnthnz/notification-engine/internal/monitoring"
)

const testTenant = "school-1"

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDirectory struct {
	users    map[string]Recipient
	inactive map[string]bool
	roles    map[string][]string
	classes  map[string][]string
	err      error
}

func newFakeDirectory(users ...Recipient) *fakeDirectory {
	d := &fakeDirectory{
		users:    make(map[string]Recipient),
		inactive: make(map[string]bool),
		roles:    make(map[string][]string),
		classes:  make(map[string][]string),
	}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) active(ids []string) []Recipient {
	var out []Recipient
	for _, id := range ids {
		if u, ok := d.users[id]; ok && !d.inactive[id] {
			out = append(out, u)
		}
	}
	return out
}

func (d *fakeDirectory) ActiveUsers(ctx context.Context, tenantID string) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	ids := make([]string, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	return d.active(ids), nil
}

func (d *fakeDirectory) UsersByIDs(ctx context.Context, tenantID string, ids []string) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.active(ids), nil
}

func (d *fakeDirectory) UsersByRoles(ctx context.Context, tenantID string, roles []string) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	var ids []string
	for _, role := range roles {
		ids = append(ids, d.roles[role]...)
	}
	return d.active(ids), nil
}

func (d *fakeDirectory) ClassMembers(ctx context.Context, tenantID string, classIDs []string) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	var ids []string
	for _, c := range classIDs {
		members, ok := d.classes[c]
		if !ok {
			return nil, ErrUnknownClass
		}
		ids = append(ids, members...)
	}
	return d.active(ids), nil
}

func (d *fakeDirectory) Lookup(ctx context.Context, tenantID string, ids []string) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []Recipient
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakePreferences struct {
	mu    sync.Mutex
	prefs map[string]ChannelPrefs
	err   error
	calls int
}

func (p *fakePreferences) optOut(userID string, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefs == nil {
		p.prefs = make(map[string]ChannelPrefs)
	}
	if p.prefs[userID] == nil {
		p.prefs[userID] = ChannelPrefs{}
	}
	p.prefs[userID][ch] = false
}

func (p *fakePreferences) ChannelPreferences(ctx context.Context, tenantID string, userIDs []string, category Category) (map[string]ChannelPrefs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]ChannelPrefs, len(userIDs))
	for _, id := range userIDs {
		if prefs, ok := p.prefs[id]; ok {
			out[id] = prefs
		}
	}
	return out, nil
}

type fakeTemplates struct {
	templates map[string]*Template
	err       error
}

func (f *fakeTemplates) Template(ctx context.Context, tenantID, ref string) (*Template, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.templates[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// fakeSink records every message and answers with send
type fakeSink struct {
	mu       sync.Mutex
	messages []Message
	send     func(Message) Outcome
}

func (s *fakeSink) Send(ctx context.Context, msg Message) Outcome {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return Outcome{Status: DeliverySent, ProviderRef: "ref-" + msg.UserID}
	}
	return send(msg)
}

func (s *fakeSink) setSend(send func(Message) Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = send
}

func (s *fakeSink) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

type fakeRegistry map[Channel]Sink

func (r fakeRegistry) Sink(ch Channel) (Sink, bool) {
	s, ok := r[ch]
	return s, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DeliveryLog
}

func (p *recordingPublisher) PublishDelivery(ctx context.Context, n *Notification, entry *DeliveryLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *entry)
	return nil
}

type testEnv struct {
	t          *testing.T
	clock      *fakeClock
	repo       *MemoryRepository
	directory  *fakeDirectory
	prefs      *fakePreferences
	templates  *fakeTemplates
	email      *fakeSink
	sms        *fakeSink
	events     *recordingPublisher
	metrics    *monitoring.Metrics
	dispatcher *Dispatcher
	service    *Service
	scheduler  *Scheduler
	analytics  *Analytics
}

func newTestEnv(t *testing.T, policy DispatchPolicy) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	env := &testEnv{
		t:     t,
		clock: newFakeClock(),
		repo:  NewMemoryRepository(),
		directory: newFakeDirectory(
			Recipient{ID: "u1", Name: "Ada", Email: "ada@example.com", Phone: "+100"},
			Recipient{ID: "u2", Name: "Ben", Email: "ben@example.com", Phone: "+200"},
			Recipient{ID: "u3", Name: "Cy", Email: "cy@example.com"},
		),
		prefs:     &fakePreferences{},
		templates: &fakeTemplates{templates: map[string]*Template{}},
		email:     &fakeSink{},
		sms:       &fakeSink{},
		events:    &recordingPublisher{},
		metrics:   monitoring.NewMetrics(),
	}
	env.directory.roles["teacher"] = []string{"u1", "u2"}
	env.directory.classes["class-a"] = []string{"u2", "u3"}

	sinks := fakeRegistry{ChannelEmail: env.email, ChannelSMS: env.sms}
	env.dispatcher = NewDispatcher(env.repo, env.prefs, sinks, NewRenderer(env.templates, logger), env.metrics, logger,
		DispatcherOptions{Workers: 4, Policy: policy, Events: env.events, Now: env.clock.Now})
	env.service = NewService(env.repo, env.directory, env.dispatcher, env.templates, env.metrics, logger)
	env.service.now = env.clock.Now
	env.scheduler = NewScheduler(env.repo, env.directory, env.dispatcher, env.metrics, logger, 10)
	env.scheduler.now = env.clock.Now
	env.analytics = NewAnalytics(env.repo)
	return env
}

func (e *testEnv) submit(req SubmitRequest) *Receipt {
	e.t.Helper()
	if req.TenantID == "" {
		req.TenantID = testTenant
	}
	if req.Type == "" {
		req.Type = string(TypeAnnouncement)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}
	if req.Title == "" && req.TemplateRef == "" {
		req.Title = "Sports day"
		req.Body = "Sports day is on Friday"
	}
	receipt, err := e.service.Submit(context.Background(), req)
	if err != nil {
		e.t.Fatalf("Submit() error = %v", err)
	}
	return receipt
}

func (e *testEnv) wait(b *Batch) *DispatchResult {
	e.t.Helper()
	if b == nil {
		e.t.Fatal("expected a dispatch batch")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := b.Wait(ctx)
	if err != nil {
		e.t.Fatalf("Batch.Wait() error = %v", err)
	}
	return result
}

func (e *testEnv) notification(id string) *Notification {
	e.t.Helper()
	n, err := e.repo.GetNotification(context.Background(), testTenant, id)
	if err != nil {
		e.t.Fatalf("GetNotification(%s) error = %v", id, err)
	}
	return n
}

// logsByKey indexes delivery logs as "user/CHANNEL"
func (e *testEnv) logsByKey(id string) map[string]*DeliveryLog {
	e.t.Helper()
	logs, err := e.repo.DeliveryLogs(context.Background(), id)
	if err != nil {
		e.t.Fatalf("DeliveryLogs() error = %v", err)
	}
	out := make(map[string]*DeliveryLog, len(logs))
	for _, l := range logs {
		out[l.UserID+"/"+string(l.Channel)] = l
	}
	return out
}

func specificUsers(ids ...string) TargetSpec {
	return TargetSpec{Kind: TargetSpecificUsers, UserIDs: ids}
}
