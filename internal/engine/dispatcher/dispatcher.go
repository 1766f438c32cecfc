// Package dispatcher turns domain events into stored notifications.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"practice-rules-engine/internal/common/config"
	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/metrics"
	"practice-rules-engine/internal/common/observability"
	"practice-rules-engine/internal/common/retry"
	"practice-rules-engine/internal/consent"
	"practice-rules-engine/internal/delivery"
	"practice-rules-engine/internal/engine/condition"
	"practice-rules-engine/internal/engine/recipients"
	"practice-rules-engine/internal/engine/registry"
	"practice-rules-engine/internal/engine/template"
	"practice-rules-engine/internal/models"
)

// State is where an event is in its processing.
type State string

const (
	StateReceived         State = "received"
	StateTriggersLookedUp State = "triggers_looked_up"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Outcome is what happened to one trigger of an event.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeNoRecipients Outcome = "no_recipients"
	OutcomePersisted    Outcome = "persisted"
	OutcomeFailed       Outcome = "failed"
)

type TriggerResult struct {
	TriggerID  string  `json:"triggerId"`
	Outcome    Outcome `json:"outcome"`
	Recipients int     `json:"recipients"`
	Created    int     `json:"created"`
	Duplicates int     `json:"duplicates"`
	Failed     int     `json:"failed"`
	Error      string  `json:"error,omitempty"`
}

type Result struct {
	EventRef      string          `json:"eventRef"`
	State         State           `json:"state"`
	ConsentDenied bool            `json:"consentDenied,omitempty"`
	Triggers      []TriggerResult `json:"triggers"`
	Created       int             `json:"created"`
}

type TriggerFinder interface {
	FindTriggers(ctx context.Context, eventType string) ([]registry.CompiledTrigger, error)
}

type RecipientResolver interface {
	Resolve(ctx context.Context, rule recipients.Rule, event models.Event) ([]string, error)
}

type ContactDirectory interface {
	Contact(ctx context.Context, userID string) (*models.Contact, error)
}

type NotificationWriter interface {
	Create(ctx context.Context, n models.Notification) (*models.Notification, bool, error)
}

type Inbox interface {
	Save(ctx context.Context, e models.Event) (bool, error)
	SetStatus(ctx context.Context, id string, status models.EventStatus, lastError string) error
	Pending(ctx context.Context, limit int) ([]models.Event, error)
}

type Auditor interface {
	Append(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error)
}

type DeliveryQueue interface {
	Enqueue(ctx context.Context, job delivery.Job) bool
}

type ConsentChecker interface {
	Check(ctx context.Context, req consent.CheckRequest) consent.Result
}

// Deps are the collaborators of a Dispatcher. Inbox, Audit, Delivery and
// Consent are optional.
type Deps struct {
	Triggers  TriggerFinder
	Resolver  RecipientResolver
	Directory ContactDirectory
	Store     NotificationWriter
	Inbox     Inbox
	Audit     Auditor
	Delivery  DeliveryQueue
	Consent   ConsentChecker
	Logger    logger.Logger
	Otel      *observability.Observability
}

const recoverBatch = 500

// Dispatcher processes events. It keeps no state across events beyond its queue.
type Dispatcher struct {
	deps         Deps
	cfg          config.DispatcherConfig
	organization string
	evaluator    *condition.Evaluator
	storeRetry   retry.Policy
	logger       logger.Logger
	now          func() time.Time
	queue        chan models.Event
}

func New(cfg config.DispatcherConfig, organization string, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logger.NewNoOpLogger()
	}
	log := deps.Logger.WithFields(map[string]interface{}{"component": "dispatcher"})

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TriggerParallelism < 1 {
		cfg.TriggerParallelism = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}

	return &Dispatcher{
		deps:         deps,
		cfg:          cfg,
		organization: organization,
		evaluator:    condition.NewEvaluator(log),
		storeRetry:   retry.FromConfig(cfg.StoreRetry),
		logger:       log,
		now:          time.Now,
		queue:        make(chan models.Event, size),
	}
}

// Normalize validates an event and fills its reference and occurrence time.
func (d *Dispatcher) Normalize(e models.Event) (models.Event, error) {
	var missing []string
	if strings.TrimSpace(e.EventType) == "" {
		missing = append(missing, "eventType")
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		missing = append(missing, "subjectId")
	}
	if len(missing) > 0 {
		return e, apperrors.NewEventInvalidError("missing " + strings.Join(missing, ", "))
	}
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	// The ref hashes only caller-supplied fields, so resubmitting without an
	// occurrence time maps to the same ref.
	if e.ID == "" {
		e.ID = models.DeriveEventRef(e)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.now().UTC()
	}
	return e, nil
}

// Submit accepts an event for asynchronous processing and returns its reference.
// The event is persisted first so a restart does not lose it.
func (d *Dispatcher) Submit(ctx context.Context, e models.Event) (string, error) {
	e, err := d.Normalize(e)
	if err != nil {
		return "", err
	}

	if d.deps.Inbox != nil {
		if _, err := d.deps.Inbox.Save(ctx, e); err != nil {
			return "", apperrors.NewDatabaseConnectionFailedError(err)
		}
	}

	select {
	case d.queue <- e:
		metrics.QueueDepth.WithLabelValues("events").Set(float64(len(d.queue)))
	case <-ctx.Done():
		return "", fmt.Errorf("event queue full: %w", ctx.Err())
	}

	d.logger.Debug("event accepted", map[string]interface{}{"eventRef": e.ID, "eventType": e.EventType})
	return e.ID, nil
}

// Run processes queued events until ctx ends. With recovery enabled it first
// re-queues events left unfinished by a previous run.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}

	if d.cfg.RecoverOnStart {
		n, err := d.Recover(ctx)
		if err != nil {
			d.logger.Error("event recovery failed", map[string]interface{}{"error": err.Error()})
		} else if n > 0 {
			d.logger.Info("recovered unfinished events", map[string]interface{}{"count": n})
		}
	}

	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			metrics.QueueDepth.WithLabelValues("events").Set(float64(len(d.queue)))
			if _, err := d.Dispatch(ctx, e); err != nil {
				d.logger.Error("event dispatch failed", map[string]interface{}{
					"eventRef":  e.ID,
					"eventType": e.EventType,
					"error":     err.Error(),
				})
			}
		}
	}
}

// Recover re-queues inbox events still marked received.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.deps.Inbox == nil {
		return 0, nil
	}
	events, err := d.deps.Inbox.Pending(ctx, recoverBatch)
	if err != nil {
		return 0, err
	}
	for i, e := range events {
		select {
		case d.queue <- e:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(events), nil
}

// Dispatch processes one event synchronously. Only a registry failure is
// returned as an error; per-trigger failures are recorded in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, e models.Event) (*Result, error) {
	e, err := d.Normalize(e)
	if err != nil {
		return nil, err
	}

	ctx, span := d.deps.Otel.StartSpan(ctx, "dispatch",
		attribute.String("event.ref", e.ID),
		attribute.String("event.type", e.EventType),
	)
	defer span.End()

	start := d.now()
	log := d.logger.WithFields(map[string]interface{}{"eventRef": e.ID, "eventType": e.EventType})
	metrics.EventsReceived.WithLabelValues(e.EventType).Inc()

	if d.deps.Inbox != nil {
		if _, err := d.deps.Inbox.Save(ctx, e); err != nil {
			log.Warn("event inbox unavailable", map[string]interface{}{"error": err.Error()})
		}
	}

	res := &Result{EventRef: e.ID, State: StateReceived}
	log.Debug("event received", nil)

	if e.ConsentCategory != "" && d.deps.Consent != nil {
		decision := d.deps.Consent.Check(ctx, consent.CheckRequest{
			SubjectID: e.SubjectID,
			Category:  e.ConsentCategory,
			Actor:     actorOf(e),
		})
		if !decision.Granted() {
			log.Info("event gated by consent", map[string]interface{}{
				"category": e.ConsentCategory,
				"reason":   decision.Reason,
			})
			res.ConsentDenied = true
			d.finish(ctx, e, res, StateDone, "", start)
			return res, nil
		}
	}

	triggers, err := d.deps.Triggers.FindTriggers(ctx, e.EventType)
	if err != nil {
		log.Error("trigger lookup failed", map[string]interface{}{"error": err.Error()})
		d.finish(ctx, e, res, StateFailed, err.Error(), start)
		return res, err
	}
	res.State = StateTriggersLookedUp
	log.Debug("triggers looked up", map[string]interface{}{"count": len(triggers)})

	results := make([]TriggerResult, len(triggers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.TriggerParallelism)
	for i, t := range triggers {
		g.Go(func() error {
			results[i] = d.processTrigger(gctx, e, t)
			return nil
		})
	}
	_ = g.Wait()

	res.Triggers = results
	for _, r := range results {
		res.Created += r.Created
	}

	if ctx.Err() != nil {
		// Leave the event received so recovery re-evaluates it.
		log.Warn("event processing abandoned", map[string]interface{}{"error": ctx.Err().Error()})
		return res, ctx.Err()
	}

	d.finish(ctx, e, res, StateDone, "", start)
	return res, nil
}

func (d *Dispatcher) finish(ctx context.Context, e models.Event, res *Result, state State, lastError string, start time.Time) {
	res.State = state
	status := models.EventDone
	if state == StateFailed {
		status = models.EventFailed
	}
	if d.deps.Inbox != nil {
		if err := d.deps.Inbox.SetStatus(ctx, e.ID, status, lastError); err != nil {
			d.logger.Warn("event status update failed", map[string]interface{}{"eventRef": e.ID, "error": err.Error()})
		}
	}

	elapsed := d.now().Sub(start)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("event.state", string(state)))
	metrics.EventsDispatched.WithLabelValues(e.EventType, string(state)).Inc()
	metrics.DispatchDuration.WithLabelValues(e.EventType).Observe(elapsed.Seconds())
	d.deps.Otel.RecordEventDuration(ctx, e.EventType, elapsed, string(state))

	d.logger.Info("event processed", map[string]interface{}{
		"eventRef": e.ID,
		"state":    string(state),
		"triggers": len(res.Triggers),
		"created":  res.Created,
	})
}

func (d *Dispatcher) processTrigger(ctx context.Context, e models.Event, t registry.CompiledTrigger) (out TriggerResult) {
	out.TriggerID = t.Definition.ID
	log := d.logger.WithFields(map[string]interface{}{"eventRef": e.ID, "triggerId": t.Definition.ID})
	start := d.now()

	ctx, span := d.deps.Otel.StartSpan(ctx, "trigger", attribute.String("trigger.id", t.Definition.ID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("trigger processing panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			out.Outcome = OutcomeFailed
			out.Error = fmt.Sprintf("panic: %v", r)
		}
		metrics.TriggerOutcomes.WithLabelValues(out.TriggerID, string(out.Outcome)).Inc()
		d.deps.Otel.RecordTriggerDuration(ctx, out.TriggerID, d.now().Sub(start))
	}()

	if !d.evaluator.Evaluate(t.Condition, e.Context) {
		log.Debug("condition not met", nil)
		out.Outcome = OutcomeSkipped
		return out
	}

	ids, err := d.deps.Resolver.Resolve(ctx, t.Recipients, e)
	if err != nil {
		log.Error("recipient resolution failed", map[string]interface{}{"error": err.Error()})
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		return out
	}
	out.Recipients = len(ids)
	if len(ids) == 0 {
		log.Info("no recipients resolved", nil)
		out.Outcome = OutcomeNoRecipients
		return out
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			out.Failed += len(ids) - out.Created - out.Duplicates - out.Failed
			break
		}
		if err := d.notify(ctx, e, t, id, &out); err != nil {
			out.Failed++
			out.Error = err.Error()
		}
	}

	out.Outcome = OutcomePersisted
	if out.Failed > 0 && out.Created+out.Duplicates == 0 {
		out.Outcome = OutcomeFailed
	}
	return out
}

func (d *Dispatcher) notify(ctx context.Context, e models.Event, t registry.CompiledTrigger, recipientID string, out *TriggerResult) error {
	var contact *models.Contact
	if d.deps.Directory != nil {
		c, err := d.deps.Directory.Contact(ctx, recipientID)
		if err != nil {
			d.logger.Warn("recipient contact lookup failed", map[string]interface{}{
				"recipientId": recipientID,
				"error":       err.Error(),
			})
		}
		contact = c
	}

	vars := Variables(e, recipientID, contact, d.organization)
	n := models.Notification{
		RecipientID:     recipientID,
		Title:           template.RenderTitle(t.Template, vars),
		Message:         template.Render(t.Template, vars),
		Category:        t.Template.Category,
		SourceTriggerID: t.Definition.ID,
		EventRef:        e.ID,
	}

	stored, created, err := d.createWithRetry(ctx, n)
	if err != nil {
		return err
	}
	if !created {
		out.Duplicates++
		// Delivery claims are keyed by notification id, so re-enqueueing a
		// duplicate only sends what an earlier run left unsent.
		d.enqueue(ctx, e, t, stored, contact)
		return nil
	}
	out.Created++
	metrics.NotificationsCreated.WithLabelValues(n.Category).Inc()

	if d.deps.Audit != nil {
		if _, err := d.deps.Audit.Append(ctx, models.AuditEntry{
			SubjectID: e.SubjectID,
			Actor:     actorOf(e),
			Action:    models.AuditNotificationCreated,
			Detail: map[string]interface{}{
				"notificationId": stored.ID,
				"recipientId":    recipientID,
				"triggerId":      t.Definition.ID,
				"eventRef":       e.ID,
			},
		}); err != nil {
			d.logger.Warn("notification audit failed", map[string]interface{}{"notificationId": stored.ID, "error": err.Error()})
		}
	}

	d.enqueue(ctx, e, t, stored, contact)
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, e models.Event, t registry.CompiledTrigger, n *models.Notification, contact *models.Contact) {
	if d.deps.Delivery == nil || n == nil {
		return
	}
	ok := d.deps.Delivery.Enqueue(ctx, delivery.Job{
		Notification: *n,
		SubjectID:    e.SubjectID,
		HTML:         t.Template.Format == models.TemplateFormatHTML,
		Contact:      contact,
	})
	if !ok {
		d.logger.Warn("delivery deferred", map[string]interface{}{"notificationId": n.ID, "eventRef": e.ID})
	}
}

// createWithRetry persists a notification under the store retry budget.
// Exhausting the budget raises an operational alert; the write is not replayed.
func (d *Dispatcher) createWithRetry(ctx context.Context, n models.Notification) (*models.Notification, bool, error) {
	var stored *models.Notification
	var created bool

	fields := map[string]interface{}{
		"eventRef":    n.EventRef,
		"triggerId":   n.SourceTriggerID,
		"recipientId": n.RecipientID,
	}

	err := retry.Do(ctx, d.storeRetry, func(ctx context.Context) error {
		var err error
		stored, created, err = d.deps.Store.Create(ctx, n)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		metrics.StoreRetries.Inc()
		d.logger.Warn("notification store failed, retrying", merge(fields, map[string]interface{}{
			"attempt":     attempt,
			"nextRetryIn": delay.String(),
			"error":       err.Error(),
		}))
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			metrics.StoreAlerts.Inc()
			d.logger.Error("ALERT notification dropped after exhausting store retries", merge(fields, map[string]interface{}{
				"error": err.Error(),
			}))
		}
		return nil, false, err
	}
	return stored, created, nil
}

func actorOf(e models.Event) string {
	if e.SubmittedBy != "" {
		return e.SubmittedBy
	}
	return "system"
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
