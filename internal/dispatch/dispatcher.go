// Package dispatch turns pending alerts into per-recipient email deliveries.
// It is driven by cron: every invocation picks up whatever is still unsent.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/resilience"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/pkg/sendgrid"
)

// Delivery results recorded in metrics and the cycle summary.
const (
	resultSent       = "sent"
	resultSuppressed = "suppressed"
	resultFailed     = "failed"
	resultSkipped    = "skipped"
)

// Config tunes one dispatcher cycle. A delivery is claimed for ClaimLease
// right before its send, and the send is cut off after SendTimeout, which is
// kept below the lease.
type Config struct {
	Cooldown        time.Duration
	Pacing          time.Duration
	ClaimLease      time.Duration
	SendTimeout     time.Duration
	BatchLimit      int
	BreakerFailures int
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 72 * time.Hour
	}
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.SendTimeout <= 0 || c.SendTimeout > c.ClaimLease/2 {
		c.SendTimeout = min(30*time.Second, c.ClaimLease/2)
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	return c
}

// Store is the persistence the dispatcher needs.
type Store interface {
	store.AlertStore
	store.SubscriptionStore
	store.DeliveryStore
	GetProperty(ctx context.Context, accountID, propertyID string) (*model.Property, error)
	ListVisibility(ctx context.Context, propertyID string, dim model.Source) ([]model.VisibilityChange, error)
}

// Summary tallies one cycle.
type Summary struct {
	Alerts     int `json:"alerts"`
	Closed     int `json:"closed"`
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Dispatcher delivers pending alerts.
type Dispatcher struct {
	store  Store
	sender sendgrid.Client
	cfg    Config
	now    func() time.Time
}

// New creates a Dispatcher.
func New(st Store, sender sendgrid.Client, cfg Config) *Dispatcher {
	return &Dispatcher{store: st, sender: sender, cfg: cfg.withDefaults(), now: time.Now}
}

// cycle is the per-invocation state shared across alerts. token marks the
// claims taken by this cycle.
type cycle struct {
	token   string
	limiter *rate.Limiter
	breaker *resilience.Breaker
	sum     Summary
}

// RunOnce processes up to BatchLimit pending alerts, least recently attempted
// first. Send failures leave deliveries unsent for the next cycle; storage
// errors on one alert are logged and the cycle moves on.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	alerts, err := d.store.ListPendingAlerts(ctx, d.cfg.BatchLimit)
	if err != nil {
		return Summary{}, eris.Wrap(err, "dispatch: list pending alerts")
	}

	limit := rate.Inf
	if d.cfg.Pacing > 0 {
		limit = rate.Every(d.cfg.Pacing)
	}
	c := &cycle{
		token:   uuid.New().String(),
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewBreaker(d.cfg.BreakerFailures, func(n int) {
			zap.L().Error("dispatch: email provider breaker open, skipping remaining sends this cycle",
				zap.Int("consecutive_failures", n))
		}),
	}

	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		c.sum.Alerts++
		if err := d.processAlert(ctx, c, a); err != nil {
			zap.L().Error("dispatch: alert processing failed",
				zap.String("alert_id", a.ID),
				zap.String("account_id", a.AccountID),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("dispatch: cycle complete",
		zap.Int("alerts", c.sum.Alerts),
		zap.Int("closed", c.sum.Closed),
		zap.Int("sent", c.sum.Sent),
		zap.Int("suppressed", c.sum.Suppressed),
		zap.Int("failed", c.sum.Failed),
		zap.Int("skipped", c.sum.Skipped),
	)
	return c.sum, ctx.Err()
}

func (d *Dispatcher) processAlert(ctx context.Context, c *cycle, a model.Alert) error {
	log := zap.L().With(
		zap.String("alert_id", a.ID),
		zap.String("account_id", a.AccountID),
		zap.String("property_id", a.PropertyID),
	)

	subs, err := d.store.ListSubscriptions(ctx, a.AccountID, a.PropertyID)
	if err != nil {
		return eris.Wrap(err, "dispatch: list subscriptions")
	}

	if len(subs) == 0 {
		counts, err := d.store.DeliveryCounts(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "dispatch: delivery counts")
		}
		if counts.Total == 0 {
			return d.close(ctx, c, log, a, "no subscribers")
		}
	}

	recipients := make([]string, len(subs))
	for i, s := range subs {
		recipients[i] = s.Recipient
	}
	if len(recipients) > 0 {
		if _, err := d.store.MaterializeDeliveries(ctx, a, recipients, d.now().UTC()); err != nil {
			return eris.Wrap(err, "dispatch: materialize deliveries")
		}
	}
	if err := d.store.MarkAlertAttempted(ctx, a.ID, d.now().UTC()); err != nil {
		return eris.Wrap(err, "dispatch: mark alert attempted")
	}

	dls, err := d.store.ListDeliveries(ctx, a.ID)
	if err != nil {
		return eris.Wrap(err, "dispatch: list deliveries")
	}
	var mail *Email
	for _, dl := range dls {
		if dl.State != model.DeliveryUnsent {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if mail == nil {
			m, err := d.compose(ctx, a)
			if err != nil {
				return err
			}
			mail = &m
		}
		d.deliver(ctx, c, log, a, dl, *mail)
	}

	counts, err := d.store.DeliveryCounts(ctx, a.ID)
	if err != nil {
		return eris.Wrap(err, "dispatch: delivery counts")
	}
	if counts.Total > 0 && counts.Unsent == 0 {
		return d.close(ctx, c, log, a, "all deliveries resolved")
	}
	return nil
}

// compose renders the mail once per alert with the property's page health.
func (d *Dispatcher) compose(ctx context.Context, a model.Alert) (Email, error) {
	prop, err := d.store.GetProperty(ctx, a.AccountID, a.PropertyID)
	if err != nil {
		return Email{}, eris.Wrap(err, "dispatch: load property")
	}
	pages, err := d.store.ListVisibility(ctx, a.PropertyID, model.SourcePage)
	if err != nil {
		return Email{}, eris.Wrap(err, "dispatch: load page health")
	}
	return Render(a, *prop, SummarizePages(prop.SiteURL, pages))
}

// deliver claims one delivery and sends it. Each claim is taken right before
// its own send, so a slow batch never outlives the lease of a row still
// waiting its turn. Deliveries claimed elsewhere are left alone.
func (d *Dispatcher) deliver(ctx context.Context, c *cycle, log *zap.Logger, a model.Alert, dl model.AlertDelivery, mail Email) {
	log = log.With(zap.String("delivery_id", dl.ID), zap.String("recipient", dl.Recipient))

	if err := c.breaker.Allow(); err != nil {
		c.sum.Skipped++
		metrics.Deliveries.WithLabelValues(resultSkipped).Inc()
		return
	}

	now := d.now().UTC()
	claimed, err := d.store.ClaimDelivery(ctx, dl.ID, c.token, now, now.Add(d.cfg.ClaimLease))
	if err != nil {
		log.Error("dispatch: claim failed", zap.Error(err))
		return
	}
	if claimed == nil {
		log.Debug("dispatch: delivery resolved or claimed elsewhere")
		return
	}

	last, err := d.store.LastSentAt(ctx, dl.AccountID, dl.PropertyID, dl.Recipient)
	if err != nil {
		log.Error("dispatch: cooldown lookup failed", zap.Error(err))
		d.release(ctx, c, log, dl)
		return
	}
	if last != nil && a.TriggeredAt.Before(last.Add(d.cfg.Cooldown)) {
		if _, err := d.store.ResolveDelivery(ctx, dl.ID, c.token, model.DeliverySuppressed, nil); err != nil {
			log.Error("dispatch: suppress failed", zap.Error(err))
			return
		}
		c.sum.Suppressed++
		metrics.Deliveries.WithLabelValues(resultSuppressed).Inc()
		log.Info("dispatch: delivery suppressed by cooldown", zap.Time("last_sent_at", *last))
		return
	}

	if err := c.limiter.Wait(ctx); err != nil {
		d.release(context.WithoutCancel(ctx), c, log, dl)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendErr := d.sender.Send(sendCtx, sendgrid.Message{To: dl.Recipient, Subject: mail.Subject, Text: mail.Text})
	cancel()
	c.breaker.Record(sendErr)
	if sendErr != nil {
		c.sum.Failed++
		metrics.Deliveries.WithLabelValues(resultFailed).Inc()
		log.Warn("dispatch: send failed, delivery stays unsent", zap.Error(sendErr))
		d.release(context.WithoutCancel(ctx), c, log, dl)
		return
	}

	sentAt := d.now().UTC()
	ok, err := d.store.ResolveDelivery(context.WithoutCancel(ctx), dl.ID, c.token, model.DeliverySent, &sentAt)
	if err != nil {
		log.Error("dispatch: mark sent failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("dispatch: sent after the claim lapsed")
	}
	c.sum.Sent++
	metrics.Deliveries.WithLabelValues(resultSent).Inc()
	log.Info("dispatch: delivery sent")
}

func (d *Dispatcher) release(ctx context.Context, c *cycle, log *zap.Logger, dl model.AlertDelivery) {
	if err := d.store.ReleaseDelivery(ctx, dl.ID, c.token); err != nil {
		log.Warn("dispatch: release claim failed", zap.Error(err))
	}
}

func (d *Dispatcher) close(ctx context.Context, c *cycle, log *zap.Logger, a model.Alert, reason string) error {
	ok, err := d.store.CloseAlert(ctx, a.ID)
	if err != nil {
		return eris.Wrap(err, "dispatch: close alert")
	}
	if ok {
		c.sum.Closed++
		metrics.AlertsClosed.Inc()
		log.Info("dispatch: alert closed", zap.String("reason", reason))
	}
	return nil
}
