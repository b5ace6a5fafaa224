package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexnthnz/notification-engine/internal/monitoring"
)

// Message is the rendered content handed to a channel sink
type Message struct {
	NotificationID string
	UserID         string
	Channel        Channel
	Contact        string
	Title          string
	Body           string
	Type           Type
	Priority       Priority
	Data           map[string]string
}

// Outcome is the terminal result of one sink call
type Outcome struct {
	Status      DeliveryStatus
	ProviderRef string
	Err         error
}

// Sink delivers a message over one external channel
type Sink interface {
	Send(ctx context.Context, msg Message) Outcome
}

// SinkRegistry looks up the sink for a channel
type SinkRegistry interface {
	Sink(channel Channel) (Sink, bool)
}

// EventPublisher receives every delivery log write
type EventPublisher interface {
	PublishDelivery(ctx context.Context, n *Notification, entry *DeliveryLog) error
}

// DispatchPolicy holds the override rules applied on top of user preferences
type DispatchPolicy struct {
	// InAppAlways keeps IN_APP regardless of preference when it was requested
	InAppAlways bool
	// CriticalBypassesOptOut delivers CRITICAL notifications on every requested channel
	CriticalBypassesOptOut bool
}

// DefaultDispatchPolicy enables both overrides
func DefaultDispatchPolicy() DispatchPolicy {
	return DispatchPolicy{InAppAlways: true, CriticalBypassesOptOut: true}
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Workers int
	Policy  DispatchPolicy
	Events  EventPublisher
	Now     func() time.Time
}

// Dispatcher fans a notification out to its recipients over their effective channels
type Dispatcher struct {
	repo     Repository
	prefs    PreferenceStore
	sinks    SinkRegistry
	renderer *Renderer
	events   EventPublisher
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	workers  int
	policy   DispatchPolicy
	now      func() time.Time
	inflight sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	repo Repository,
	prefs PreferenceStore,
	sinks SinkRegistry,
	renderer *Renderer,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	opts DispatcherOptions,
) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		repo:     repo,
		prefs:    prefs,
		sinks:    sinks,
		renderer: renderer,
		events:   opts.Events,
		metrics:  metrics,
		logger:   logger,
		workers:  opts.Workers,
		policy:   opts.Policy,
		now:      opts.Now,
	}
}

// DeliveryOutcome is the result of one (recipient, channel) delivery
type DeliveryOutcome struct {
	UserID  string         `json:"user_id"`
	Channel Channel        `json:"channel"`
	Status  DeliveryStatus `json:"status"`
	Error   string         `json:"error,omitempty"`
}

// DispatchResult summarizes a finished batch
type DispatchResult struct {
	NotificationID string            `json:"notification_id"`
	Status         Status            `json:"status"`
	Recipients     int               `json:"recipients"`
	Succeeded      int               `json:"succeeded"`
	Failed         int               `json:"failed"`
	Outcomes       []DeliveryOutcome `json:"outcomes"`
}

// Batch is the handle of an asynchronous dispatch
type Batch struct {
	done   chan struct{}
	result *DispatchResult
	err    error
}

func newBatch() *Batch {
	return &Batch{done: make(chan struct{})}
}

// Done is closed once every delivery of the batch has been recorded
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch finishes or ctx ends
func (b *Batch) Wait(ctx context.Context) (*DispatchResult, error) {
	select {
	case <-b.done:
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batch) finish(result *DispatchResult, err error) {
	b.result = result
	b.err = err
	close(b.done)
}

// job is one recipient's share of a batch; a nil channel list means compute from policy
type job struct {
	recipient Recipient
	channels  []Channel
}

// Dispatch delivers n to recipients in the background and completes the SENDING notification
// as SENT or FAILED. Cancelling ctx does not stop sink calls already issued.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification, recipients []Recipient) *Batch {
	jobs := make([]job, len(recipients))
	for i, r := range recipients {
		jobs[i] = job{recipient: r}
	}
	return d.start(ctx, n, jobs, true)
}

// Redeliver re-sends the given (recipient, channel) pairs without changing the notification status
func (d *Dispatcher) Redeliver(ctx context.Context, n *Notification, targets map[string][]Channel, recipients []Recipient) *Batch {
	jobs := make([]job, 0, len(targets))
	for _, r := range recipients {
		if chs, ok := targets[r.ID]; ok {
			jobs = append(jobs, job{recipient: r, channels: chs})
		}
	}
	return d.start(ctx, n, jobs, false)
}

func (d *Dispatcher) start(ctx context.Context, n *Notification, jobs []job, complete bool) *Batch {
	b := newBatch()
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.run(context.WithoutCancel(ctx), n, jobs, complete, b)
	}()
	return b
}

// Drain waits for every batch started so far to finish, or for ctx to end
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, n *Notification, jobs []job, complete bool, b *Batch) {
	start := time.Now()
	result := &DispatchResult{NotificationID: n.ID, Status: n.Status, Recipients: len(jobs)}

	if complete && n.Expired(d.now()) {
		d.logger.Info("Notification expired before dispatch", zap.String("notification_id", n.ID))
		b.finish(d.complete(ctx, n, result, StatusFailed, start))
		return
	}

	prefs := d.loadPreferences(ctx, n, jobs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			channels := j.channels
			if channels == nil {
				var userPrefs ChannelPrefs
				if prefs != nil {
					// no rows for the user means everything enabled
					userPrefs = prefs[j.recipient.ID]
					if userPrefs == nil {
						userPrefs = ChannelPrefs{}
					}
				}
				channels = d.effectiveChannels(n, userPrefs)
			}
			outcomes := d.deliver(ctx, n, j.recipient, channels)

			mu.Lock()
			defer mu.Unlock()
			for _, o := range outcomes {
				if o.Status.Successful() {
					result.Succeeded++
				} else {
					result.Failed++
				}
				result.Outcomes = append(result.Outcomes, o)
			}
			return nil
		})
	}
	g.Wait()

	if !complete {
		d.logger.Info("Redelivery finished",
			zap.String("notification_id", n.ID),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
		b.finish(result, nil)
		return
	}

	status := StatusFailed
	if len(jobs) == 0 || result.Succeeded > 0 {
		status = StatusSent
	}
	b.finish(d.complete(ctx, n, result, status, start))
}

func (d *Dispatcher) complete(ctx context.Context, n *Notification, result *DispatchResult, status Status, start time.Time) (*DispatchResult, error) {
	result.Status = status
	ok, err := d.repo.TransitionStatus(ctx, n.ID, StatusSending, status, d.now())
	if err != nil {
		d.logger.Error("Failed to complete notification", zap.Error(err), zap.String("notification_id", n.ID))
		return result, fmt.Errorf("failed to complete notification %s: %w", n.ID, err)
	}
	if !ok {
		d.logger.Warn("Notification left SENDING before completion", zap.String("notification_id", n.ID))
	}

	d.metrics.RecordDispatch(string(status), time.Since(start).Seconds())
	d.logger.Info("Notification dispatched",
		zap.String("notification_id", n.ID),
		zap.String("status", string(status)),
		zap.Int("recipients", result.Recipients),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// loadPreferences returns nil prefs on failure; deliver then restricts non-critical sends to IN_APP
func (d *Dispatcher) loadPreferences(ctx context.Context, n *Notification, jobs []job) map[string]ChannelPrefs {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.channels == nil {
			ids = append(ids, j.recipient.ID)
		}
	}
	if len(ids) == 0 {
		return map[string]ChannelPrefs{}
	}

	prefs, err := d.prefs.ChannelPreferences(ctx, n.TenantID, ids, n.Category)
	if err != nil {
		d.logger.Error("Failed to load preferences, external channels limited",
			zap.Error(err), zap.String("notification_id", n.ID))
		return nil
	}
	if prefs == nil {
		prefs = map[string]ChannelPrefs{}
	}
	return prefs
}

// effectiveChannels intersects the requested channels with the recipient's enabled ones,
// applying the IN_APP and CRITICAL overrides
func (d *Dispatcher) effectiveChannels(n *Notification, prefs ChannelPrefs) []Channel {
	bypass := n.Priority == PriorityCritical && d.policy.CriticalBypassesOptOut

	var out []Channel
	for _, ch := range n.Channels {
		switch {
		case ch == ChannelInApp && d.policy.InAppAlways:
			out = append(out, ch)
		case bypass:
			out = append(out, ch)
		case prefs == nil:
			// preferences unavailable: only the in-app record is safe to write
			if ch == ChannelInApp {
				out = append(out, ch)
			}
		case prefs.Enabled(ch):
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		out = []Channel{ChannelInApp}
	}
	return out
}

// deliver renders once per recipient; the rendered copy is what the inbox shows
func (d *Dispatcher) deliver(ctx context.Context, n *Notification, rcpt Recipient, channels []Channel) []DeliveryOutcome {
	rendered := d.renderer.Render(ctx, n, rcpt)
	if err := d.repo.SetContent(ctx, n.ID, rcpt.ID, rendered.Title, rendered.Body); err != nil {
		d.logger.Warn("Failed to store rendered content",
			zap.Error(err), zap.String("notification_id", n.ID), zap.String("user_id", rcpt.ID))
	}

	outcomes := make([]DeliveryOutcome, 0, len(channels))
	for _, ch := range channels {
		if ch == ChannelInApp {
			outcomes = append(outcomes, d.deliverInApp(ctx, n, rcpt))
			continue
		}
		outcomes = append(outcomes, d.deliverExternal(ctx, n, rcpt, ch, rendered))
	}
	return outcomes
}

func (d *Dispatcher) deliverInApp(ctx context.Context, n *Notification, rcpt Recipient) DeliveryOutcome {
	now := d.now()
	if _, err := d.repo.MarkDelivered(ctx, n.ID, rcpt.ID, now); err != nil {
		d.logger.Error("Failed to write in-app record",
			zap.Error(err), zap.String("notification_id", n.ID), zap.String("user_id", rcpt.ID))
		return d.record(ctx, n, rcpt.ID, rcpt.ID, ChannelInApp, Outcome{Status: DeliveryFailed, Err: err})
	}
	return d.record(ctx, n, rcpt.ID, rcpt.ID, ChannelInApp, Outcome{Status: DeliveryDelivered})
}

func (d *Dispatcher) deliverExternal(ctx context.Context, n *Notification, rcpt Recipient, ch Channel, content Rendered) DeliveryOutcome {
	contact := rcpt.Contact(ch)

	sink, ok := d.sinks.Sink(ch)
	if !ok {
		return d.record(ctx, n, rcpt.ID, contact, ch, Outcome{
			Status: DeliveryFailed,
			Err:    fmt.Errorf("no sink registered for channel %s", ch),
		})
	}
	if contact == "" {
		return d.record(ctx, n, rcpt.ID, contact, ch, Outcome{
			Status: DeliveryFailed,
			Err:    fmt.Errorf("recipient has no %s contact", ch),
		})
	}

	start := time.Now()
	outcome := sink.Send(ctx, Message{
		NotificationID: n.ID,
		UserID:         rcpt.ID,
		Channel:        ch,
		Contact:        contact,
		Title:          content.Title,
		Body:           content.Body,
		Type:           n.Type,
		Priority:       n.Priority,
		Data:           n.TemplateData,
	})
	d.metrics.RecordSinkDuration(string(ch), time.Since(start).Seconds())

	if outcome.Status == "" {
		outcome.Status = DeliverySent
		if outcome.Err != nil {
			outcome.Status = DeliveryFailed
		}
	}
	if outcome.Status.Successful() {
		if _, err := d.repo.MarkDelivered(ctx, n.ID, rcpt.ID, d.now()); err != nil {
			d.logger.Warn("Failed to flag fan-out record delivered",
				zap.Error(err), zap.String("notification_id", n.ID), zap.String("user_id", rcpt.ID))
		}
	}
	return d.record(ctx, n, rcpt.ID, contact, ch, outcome)
}

// record writes the delivery log entry and reports it; write failures are logged, never raised
func (d *Dispatcher) record(ctx context.Context, n *Notification, userID, contact string, ch Channel, outcome Outcome) DeliveryOutcome {
	now := d.now()
	entry := &DeliveryLog{
		NotificationID: n.ID,
		UserID:         userID,
		Contact:        contact,
		Channel:        ch,
		Status:         outcome.Status,
		ProviderRef:    outcome.ProviderRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if outcome.Err != nil {
		entry.ErrorMessage = outcome.Err.Error()
	}

	if err := d.repo.UpsertDeliveryLog(ctx, entry); err != nil {
		d.logger.Error("Failed to record delivery",
			zap.Error(err),
			zap.String("notification_id", n.ID),
			zap.String("user_id", userID),
			zap.String("channel", string(ch)),
		)
	} else if d.events != nil {
		if err := d.events.PublishDelivery(ctx, n, entry); err != nil {
			d.logger.Warn("Failed to publish delivery event", zap.Error(err), zap.String("notification_id", n.ID))
		}
	}

	d.metrics.RecordDelivery(string(ch), string(outcome.Status))
	if outcome.Status == DeliveryFailed {
		d.logger.Warn("Delivery failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", userID),
			zap.String("channel", string(ch)),
			zap.String("error", entry.ErrorMessage),
		)
	}

	return DeliveryOutcome{UserID: userID, Channel: ch, Status: outcome.Status, Error: entry.ErrorMessage}
}
