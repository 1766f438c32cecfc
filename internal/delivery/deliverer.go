// Package delivery pushes stored notifications to external channels.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"practice-rules-engine/internal/common/config"
	commonhttp "practice-rules-engine/internal/common/http"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/metrics"
	"practice-rules-engine/internal/common/retry"
	"practice-rules-engine/internal/models"
)

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, text, html string) (string, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

type WebhookPoster interface {
	PostJSON(ctx context.Context, url string, body interface{}, headers map[string]string) (int, error)
}

type ContactLookup interface {
	Contact(ctx context.Context, userID string) (*models.Contact, error)
}

type Auditor interface {
	Append(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error)
}

// Job is one stored notification awaiting external delivery.
type Job struct {
	Notification models.Notification `json:"notification"`
	SubjectID    string              `json:"subjectId"`
	HTML         bool                `json:"html,omitempty"`
	Contact      *models.Contact     `json:"contact,omitempty"`
}

// Outcome statuses.
const (
	StatusSent      = "sent"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	// StatusInFlight means another worker holds an unfinished claim.
	StatusInFlight = "in_flight"
)

type Outcome struct {
	Channel   models.DeliveryChannel
	Status    string
	MessageID string
	Err       error
}

const (
	claimPending = "pending"
	claimSent    = "sent"
	sentTTL      = 7 * 24 * time.Hour

	// outboxKey holds every job not yet settled, keyed by notification id.
	outboxKey = "delivery:outbox"
)

type outboxEntry struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Deliverer sends notifications through the channels mapped to their
// category. Each (notification, channel) pair is sent at most once.
type Deliverer struct {
	redis    *redis.Client
	contacts ContactLookup
	audit    Auditor
	logger   logger.Logger

	email   EmailSender
	sms     SMSSender
	webhook WebhookPoster

	channels map[string][]models.DeliveryChannel
	policy   retry.Policy
	claimTTL time.Duration
	workers  int
	queue    chan Job

	sweepInterval   time.Duration
	maxRedeliveries int
	now             func() time.Time
}

type Option func(*Deliverer)

func WithEmail(s EmailSender) Option     { return func(d *Deliverer) { d.email = s } }
func WithSMS(s SMSSender) Option         { return func(d *Deliverer) { d.sms = s } }
func WithWebhook(p WebhookPoster) Option { return func(d *Deliverer) { d.webhook = p } }

func NewDeliverer(cfg config.DeliveryConfig, rdb *redis.Client, contacts ContactLookup, audit Auditor, log logger.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		redis:    rdb,
		contacts: contacts,
		audit:    audit,
		logger:   log.WithFields(map[string]interface{}{"component": "deliverer"}),
		channels: make(map[string][]models.DeliveryChannel),
		policy:   retry.FromConfig(cfg.Retry),
		claimTTL: time.Duration(cfg.ClaimTTL) * time.Millisecond,
		workers:  cfg.Workers,

		sweepInterval:   time.Duration(cfg.SweepInterval) * time.Millisecond,
		maxRedeliveries: cfg.MaxRedeliveries,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	if d.claimTTL <= 0 {
		d.claimTTL = 5 * time.Minute
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = time.Minute
	}
	if d.maxRedeliveries < 1 {
		d.maxRedeliveries = 5
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	d.queue = make(chan Job, size)

	for category, names := range cfg.Channels {
		for _, name := range names {
			ch := models.DeliveryChannel(name)
			switch ch {
			case models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook:
				d.channels[category] = append(d.channels[category], ch)
			default:
				d.logger.Warn("ignoring unknown delivery channel", map[string]interface{}{"category": category, "channel": name})
			}
		}
	}
	return d
}

// ChannelsFor returns the external channels for a category; none means in-app only.
func (d *Deliverer) ChannelsFor(category string) []models.DeliveryChannel {
	return d.channels[category]
}

// Enqueue records a job in the outbox and hands it to the worker pool
// without blocking. It reports false when the queue is full; the job then
// waits in the outbox for the next sweep.
func (d *Deliverer) Enqueue(ctx context.Context, job Job) bool {
	if len(d.ChannelsFor(job.Notification.Category)) == 0 {
		return true
	}
	entry := outboxEntry{Job: job, QueuedAt: d.now().UTC()}
	if err := d.saveEntry(ctx, entry); err != nil {
		d.logger.Warn("recording delivery in outbox failed", map[string]interface{}{
			"notificationId": job.Notification.ID,
			"error":          err.Error(),
		})
	}
	if !d.push(job) {
		metrics.Deliveries.WithLabelValues("queue", "deferred").Inc()
		d.logger.Warn("delivery queue full, deferring job to sweep", map[string]interface{}{
			"notificationId": job.Notification.ID,
		})
		return false
	}
	return true
}

func (d *Deliverer) push(job Job) bool {
	select {
	case d.queue <- job:
		metrics.QueueDepth.WithLabelValues("delivery").Set(float64(len(d.queue)))
		return true
	default:
		return false
	}
}

// Run drains the queue with the configured number of workers until ctx ends.
// It sweeps the outbox on start and then every sweep interval.
func (d *Deliverer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.queue:
					metrics.QueueDepth.WithLabelValues("delivery").Set(float64(len(d.queue)))
					d.Deliver(ctx, job)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()
		for {
			if n, err := d.Sweep(ctx); err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("delivery outbox sweep failed", map[string]interface{}{"error": err.Error()})
				}
			} else if n > 0 {
				d.logger.Info("re-queued undelivered notifications", map[string]interface{}{"count": n})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	wg.Wait()
}

// Sweep re-queues outbox jobs that have waited at least one sweep interval.
// Claims keep a re-queued job from being sent twice.
func (d *Deliverer) Sweep(ctx context.Context) (int, error) {
	raw, err := d.redis.HGetAll(ctx, outboxKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read delivery outbox: %w", err)
	}
	now := d.now().UTC()
	requeued := 0
	for id, value := range raw {
		var entry outboxEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			d.logger.Error("dropping undecodable outbox entry", map[string]interface{}{"notificationId": id})
			d.redis.HDel(ctx, outboxKey, id)
			continue
		}
		if now.Sub(entry.QueuedAt) < d.sweepInterval {
			continue
		}
		if !d.push(entry.Job) {
			break
		}
		entry.QueuedAt = now
		if err := d.saveEntry(ctx, entry); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Pending returns the number of jobs in the outbox.
func (d *Deliverer) Pending(ctx context.Context) (int64, error) {
	return d.redis.HLen(ctx, outboxKey).Result()
}

func (d *Deliverer) saveEntry(ctx context.Context, entry outboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.redis.HSet(ctx, outboxKey, entry.Job.Notification.ID, data).Err()
}

// settle removes a job from the outbox once no channel failed. A failed job
// stays for the next sweep until it runs out of redeliveries.
func (d *Deliverer) settle(ctx context.Context, job Job, outcomes []Outcome) {
	ctx = context.WithoutCancel(ctx)
	id := job.Notification.ID
	failed, inFlight := false, false
	for _, o := range outcomes {
		switch o.Status {
		case StatusFailed:
			failed = true
		case StatusInFlight:
			inFlight = true
		}
	}
	if !failed && !inFlight {
		if err := d.redis.HDel(ctx, outboxKey, id).Err(); err != nil {
			d.logger.Warn("clearing outbox entry failed", map[string]interface{}{"notificationId": id, "error": err.Error()})
		}
		return
	}

	entry := outboxEntry{Job: job, QueuedAt: d.now().UTC()}
	if value, err := d.redis.HGet(ctx, outboxKey, id).Result(); err == nil {
		var stored outboxEntry
		if json.Unmarshal([]byte(value), &stored) == nil {
			entry.Attempts = stored.Attempts
		}
	}
	if failed {
		entry.Attempts++
	}
	if entry.Attempts >= d.maxRedeliveries {
		metrics.Deliveries.WithLabelValues("outbox", "abandoned").Inc()
		d.logger.Error("delivery abandoned after redeliveries", map[string]interface{}{
			"notificationId": id,
			"attempts":       entry.Attempts,
		})
		d.redis.HDel(ctx, outboxKey, id)
		return
	}
	if err := d.saveEntry(ctx, entry); err != nil {
		d.logger.Warn("recording failed delivery in outbox failed", map[string]interface{}{"notificationId": id, "error": err.Error()})
	}
}

// Deliver sends one job on every mapped channel and reports each outcome.
func (d *Deliverer) Deliver(ctx context.Context, job Job) []Outcome {
	channels := d.ChannelsFor(job.Notification.Category)
	if len(channels) == 0 {
		return nil
	}
	out := d.deliver(ctx, job, channels)
	d.settle(ctx, job, out)
	return out
}

func (d *Deliverer) deliver(ctx context.Context, job Job, channels []models.DeliveryChannel) []Outcome {
	contact := job.Contact
	if contact == nil {
		c, err := d.contacts.Contact(ctx, job.Notification.RecipientID)
		if err != nil {
			d.logger.Error("contact lookup failed", map[string]interface{}{
				"recipientId": job.Notification.RecipientID,
				"error":       err.Error(),
			})
			out := make([]Outcome, 0, len(channels))
			for _, ch := range channels {
				metrics.Deliveries.WithLabelValues(string(ch), StatusFailed).Inc()
				out = append(out, Outcome{Channel: ch, Status: StatusFailed, Err: err})
			}
			return out
		}
		contact = c
	}
	if contact == nil {
		contact = &models.Contact{UserID: job.Notification.RecipientID}
	}

	out := make([]Outcome, 0, len(channels))
	for _, ch := range channels {
		o := d.deliverChannel(ctx, job, ch, contact)
		metrics.Deliveries.WithLabelValues(string(ch), o.Status).Inc()
		out = append(out, o)
	}
	return out
}

func (d *Deliverer) deliverChannel(ctx context.Context, job Job, ch models.DeliveryChannel, contact *models.Contact) Outcome {
	n := job.Notification
	log := d.logger.WithFields(map[string]interface{}{"notificationId": n.ID, "channel": string(ch)})

	send, ok := d.sender(job, ch, contact)
	if !ok {
		log.Debug("channel not deliverable for recipient", nil)
		return Outcome{Channel: ch, Status: StatusSkipped}
	}

	key := claimKey(n.ID, ch)
	claimed, err := d.redis.SetNX(ctx, key, claimPending, d.claimTTL).Result()
	if err != nil {
		log.Error("delivery claim failed", map[string]interface{}{"error": err.Error()})
		return Outcome{Channel: ch, Status: StatusFailed, Err: err}
	}
	if !claimed {
		state, err := d.redis.Get(ctx, key).Result()
		if err == nil && state == claimPending {
			log.Debug("delivery in flight elsewhere", nil)
			return Outcome{Channel: ch, Status: StatusInFlight}
		}
		log.Debug("delivery already claimed", nil)
		return Outcome{Channel: ch, Status: StatusDuplicate}
	}

	var messageID string
	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		id, err := send(ctx)
		if err != nil {
			return classify(err)
		}
		messageID = id
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.Warn("delivery attempt failed, retrying", map[string]interface{}{
			"attempt":     attempt,
			"nextRetryIn": delay.String(),
			"error":       err.Error(),
		})
	})
	if err != nil {
		// Release the claim so a later redelivery can try again.
		if delErr := d.redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			log.Warn("releasing delivery claim failed", map[string]interface{}{"error": delErr.Error()})
		}
		log.Error("delivery failed", map[string]interface{}{"error": err.Error()})
		return Outcome{Channel: ch, Status: StatusFailed, Err: err}
	}

	if err := d.redis.Set(ctx, key, claimSent, sentTTL).Err(); err != nil {
		log.Warn("marking delivery sent failed", map[string]interface{}{"error": err.Error()})
	}

	if _, err := d.audit.Append(ctx, models.AuditEntry{
		SubjectID: job.SubjectID,
		Actor:     "system",
		Action:    models.AuditNotificationDelivered,
		Detail: map[string]interface{}{
			"notificationId": n.ID,
			"recipientId":    n.RecipientID,
			"channel":        string(ch),
			"messageId":      messageID,
		},
	}); err != nil {
		log.Error("delivery audit failed", map[string]interface{}{"error": err.Error()})
	}

	log.Info("notification delivered", map[string]interface{}{"messageId": messageID})
	return Outcome{Channel: ch, Status: StatusSent, MessageID: messageID}
}

type sendFunc func(ctx context.Context) (string, error)

func (d *Deliverer) sender(job Job, ch models.DeliveryChannel, contact *models.Contact) (sendFunc, bool) {
	n := job.Notification
	switch ch {
	case models.ChannelEmail:
		if d.email == nil || contact.Email == "" {
			return nil, false
		}
		html := ""
		if job.HTML {
			html = n.Message
		}
		return func(ctx context.Context) (string, error) {
			return d.email.SendEmail(ctx, contact.Email, n.Title, n.Message, html)
		}, true

	case models.ChannelSMS:
		if d.sms == nil || contact.Phone == "" {
			return nil, false
		}
		return func(ctx context.Context) (string, error) {
			return d.sms.SendSMS(ctx, contact.Phone, smsText(n))
		}, true

	case models.ChannelWebhook:
		if d.webhook == nil || contact.WebhookURL == "" {
			return nil, false
		}
		return func(ctx context.Context) (string, error) {
			_, err := d.webhook.PostJSON(ctx, contact.WebhookURL, n, map[string]string{
				"X-Notification-ID": n.ID,
				"Idempotency-Key":   claimKey(n.ID, ch),
			})
			return "", err
		}, true
	}
	return nil, false
}

// classify stops retrying on webhook responses that will not change.
func classify(err error) error {
	var se *commonhttp.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return retry.Permanent(err)
	}
	return err
}

func claimKey(notificationID string, ch models.DeliveryChannel) string {
	return fmt.Sprintf("delivery:%s:%s", notificationID, ch)
}

const smsLimit = 320

func smsText(n models.Notification) string {
	text := n.Title + ": " + n.Message
	if r := []rune(text); len(r) > smsLimit {
		return string(r[:smsLimit-1]) + "…"
	}
	return text
}
