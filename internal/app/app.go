// Package app wires configuration, storage and the pipeline together.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/config"
	"github.com/orderbridge/orderbridge/internal/crm"
	"github.com/orderbridge/orderbridge/internal/email"
	"github.com/orderbridge/orderbridge/internal/extract"
	"github.com/orderbridge/orderbridge/internal/inbox"
	"github.com/orderbridge/orderbridge/internal/jobs"
	"github.com/orderbridge/orderbridge/internal/pipeline"
	"github.com/orderbridge/orderbridge/internal/store"
	"github.com/orderbridge/orderbridge/internal/template"
)

var (
	// ErrNoCRM is returned by Sync when no CRM provider is configured.
	ErrNoCRM = errors.New("crm: no provider configured")
	// ErrInvalidContact wraps contact details rejected by SetCustomerContact.
	ErrInvalidContact = errors.New("invalid contact")
)

// App owns the long-lived components. Everything derived from configuration is
// rebuilt by Reload; the store stays open.
type App struct {
	holder *config.Holder
	store  *store.Store
	jobs   *jobs.Manager

	crmClient  crm.Client
	mailbox    func(config.InboxConfig) pipeline.Mailbox
	notifier   pipeline.Notifier
	overridden struct{ crm, notifier bool }

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline
	followUp *pipeline.FollowUp
}

type Option func(*App)

// WithCRMClient replaces the client built from the crm section.
func WithCRMClient(c crm.Client) Option {
	return func(a *App) {
		a.crmClient = c
		a.overridden.crm = true
	}
}

// WithMailbox replaces the IMAP mailbox.
func WithMailbox(fn func(config.InboxConfig) pipeline.Mailbox) Option {
	return func(a *App) { a.mailbox = fn }
}

// WithNotifier replaces the reminder notifier built from the notify section.
func WithNotifier(n pipeline.Notifier) Option {
	return func(a *App) {
		a.notifier = n
		a.overridden.notifier = true
	}
}

// New opens the store named by the current configuration and builds the pipeline.
func New(holder *config.Holder, opts ...Option) (*App, error) {
	cfg := holder.Get()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		holder: holder,
		jobs:   jobs.NewManager(),
		mailbox: func(c config.InboxConfig) pipeline.Mailbox {
			return inbox.NewMonitor(c)
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.store = st

	if err := a.build(cfg); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	parser := extract.NewParser()
	if len(cfg.Pipeline.NameMarkers) > 0 {
		parser.NameMarkers = cfg.Pipeline.NameMarkers
	}

	client := a.crmClient
	if !a.overridden.crm {
		client = nil
		if cfg.CRM.Enabled() {
			client = crm.NewSalesforce(crm.SalesforceConfig{
				LoginURL:             cfg.CRM.LoginURL,
				InstanceURL:          cfg.CRM.InstanceURL,
				APIVersion:           cfg.CRM.APIVersion,
				ClientID:             cfg.CRM.ClientID,
				ClientSecret:         cfg.CRM.ClientSecret,
				Username:             cfg.CRM.Username,
				Password:             cfg.CRM.Password,
				SecurityToken:        cfg.CRM.SecurityToken,
				ContactObject:        cfg.CRM.ContactObject,
				ContactExternalField: cfg.CRM.ContactExternalField,
				OrderObject:          cfg.CRM.OrderObject,
				OrderExternalField:   cfg.CRM.OrderExternalField,
				RequestsPerSecond:    cfg.CRM.RequestsPerSecond,
				Timeout:              time.Duration(cfg.CRM.TimeoutSec) * time.Second,
			})
		}
	}

	var coordinator *pipeline.Coordinator
	if client != nil {
		coordinator = pipeline.NewCoordinator(client, a.store, pipeline.SyncOptions{
			PlaceholderDomain: cfg.CRM.PlaceholderDomain,
		})
	}

	p := pipeline.New(a.store, parser, coordinator, pipeline.Options{
		FuzzyThreshold:       cfg.Pipeline.FuzzyThreshold,
		FingerprintTolerance: cfg.Pipeline.FingerprintTolerance,
		SyncOnIngest:         cfg.Pipeline.SyncOnIngestEnabled(),
		Filter: inbox.Filter{
			SubjectKeywords: cfg.Inbox.SubjectKeywords,
			BodyKeywords:    cfg.Inbox.BodyKeywords,
		},
	})

	notifier := a.notifier
	if !a.overridden.notifier {
		var err error
		if notifier, err = buildNotifier(cfg.Notify); err != nil {
			return err
		}
	} else if cfg.Notify.Mode == config.NotifyOff {
		notifier = nil
	}

	f := pipeline.NewFollowUp(a.store, notifier, pipeline.FollowUpOptions{
		Days:              cfg.Notify.FollowUpDays,
		ExcludedCustomers: cfg.Notify.ExcludedCustomers,
	})

	a.mu.Lock()
	a.pipeline = p
	a.followUp = f
	a.mu.Unlock()

	zap.L().Debug("components built",
		zap.Bool("crm", coordinator != nil),
		zap.String("notify_mode", cfg.Notify.Mode),
		zap.Float64("fuzzy_threshold", cfg.Pipeline.FuzzyThreshold))
	return nil
}

func buildNotifier(cfg config.Notify) (pipeline.Notifier, error) {
	if cfg.Mode != config.NotifyEmail {
		return nil, nil
	}
	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		return nil, err
	}
	engine, err := template.NewEngine()
	if err != nil {
		return nil, err
	}
	return email.NewNotifier(sender, engine, cfg.Email.From, cfg.To, cfg.FollowUpDays), nil
}

// Reload re-reads the configuration file and rebuilds the pipeline from it. On
// error the running configuration is kept.
func (a *App) Reload() error {
	old := a.holder.Get()
	cfg, err := a.holder.Reload()
	if err != nil {
		return err
	}
	if cfg.Database.Path != old.Database.Path {
		zap.L().Warn("database path change takes effect after restart",
			zap.String("current", old.Database.Path), zap.String("configured", cfg.Database.Path))
	}
	if err := a.build(cfg); err != nil {
		return fmt.Errorf("failed to apply config: %w", err)
	}
	zap.L().Info("configuration reloaded", zap.String("path", a.holder.Path()))
	return nil
}

func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) Config() *config.Config { return a.holder.Get() }

func (a *App) ConfigPath() string { return a.holder.Path() }

func (a *App) Store() *store.Store { return a.store }

func (a *App) Jobs() *jobs.Manager { return a.jobs }

func (a *App) Pipeline() *pipeline.Pipeline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipeline
}

func (a *App) FollowUp() *pipeline.FollowUp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.followUp
}

// Sweep runs one pass over the unread mail.
func (a *App) Sweep(ctx context.Context) (pipeline.SweepReport, error) {
	cfg := a.holder.Get()
	if err := cfg.ValidateInbox(); err != nil {
		return pipeline.SweepReport{}, err
	}
	return a.Pipeline().Sweep(ctx, a.mailbox(cfg.Inbox))
}

// Sync pushes every unsynced order to the CRM.
func (a *App) Sync(ctx context.Context) (pipeline.SyncReport, error) {
	c := a.Pipeline().Coordinator()
	if c == nil {
		return pipeline.SyncReport{}, ErrNoCRM
	}
	return c.SyncPending(ctx)
}

// Ingest processes one email body.
func (a *App) Ingest(ctx context.Context, body, externalID string) (pipeline.IngestReport, error) {
	return a.Pipeline().ProcessBody(ctx, body, externalID)
}

func (a *App) Reprocess(ctx context.Context) (pipeline.ReprocessReport, error) {
	return a.Pipeline().ReprocessSummaries(ctx)
}

func (a *App) FollowUps(ctx context.Context) (pipeline.FollowUpReport, error) {
	return a.FollowUp().Run(ctx)
}

// Contact holds the fields SetCustomerContact writes. Empty fields clear the
// stored value.
type Contact struct {
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// FindCustomer resolves ref as a numeric id first, then as an exact display name.
func (a *App) FindCustomer(ctx context.Context, ref string) (store.Customer, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.store.GetCustomer(ctx, id)
	}
	c, err := a.store.FindCustomerByName(ctx, ref)
	if err != nil {
		return store.Customer{}, err
	}
	if c == nil {
		return store.Customer{}, store.ErrNotFound
	}
	return *c, nil
}

// SetCustomerContact replaces the contact details of a customer and returns the
// updated record. The next sync upserts the contact under the new email.
func (a *App) SetCustomerContact(ctx context.Context, id int64, contact Contact) (store.Customer, error) {
	contact.Email = strings.TrimSpace(contact.Email)
	if contact.Email != "" {
		if err := email.ValidateEmail(contact.Email); err != nil {
			return store.Customer{}, fmt.Errorf("%w: %v", ErrInvalidContact, err)
		}
	}
	if err := a.store.UpdateCustomerContact(ctx, id, contact.Email, contact.Phone, contact.Address); err != nil {
		return store.Customer{}, err
	}
	zap.L().Info("customer contact updated", zap.Int64("customer_id", id))
	return a.store.GetCustomer(ctx, id)
}

// StartJob runs one of the passes through the job manager.
func (a *App) StartJob(kind jobs.Kind) (*jobs.Job, error) {
	var fn jobs.Func
	switch kind {
	case jobs.KindSweep:
		fn = func(ctx context.Context) (interface{}, error) { return a.Sweep(ctx) }
	case jobs.KindSync:
		fn = func(ctx context.Context) (interface{}, error) { return a.Sync(ctx) }
	case jobs.KindReprocess:
		fn = func(ctx context.Context) (interface{}, error) { return a.Reprocess(ctx) }
	case jobs.KindFollowUp:
		fn = func(ctx context.Context) (interface{}, error) { return a.FollowUps(ctx) }
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return a.jobs.Start(kind, fn)
}

// RunScheduled runs the sweep and sync loops until ctx is done. Intervals are read
// once from the configuration in effect when it is called.
func (a *App) RunScheduled(ctx context.Context) {
	cfg := a.holder.Get()
	var wg sync.WaitGroup

	loop := func(kind jobs.Kind, seconds int) {
		if seconds <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs.Every(ctx, a.jobs, time.Duration(seconds)*time.Second, kind, func(ctx context.Context) (interface{}, error) {
				switch kind {
				case jobs.KindSweep:
					rep, err := a.Sweep(ctx)
					if err != nil {
						return rep, err
					}
					if _, ferr := a.FollowUps(ctx); ferr != nil {
						zap.L().Warn("follow-up pass failed", zap.Error(ferr))
					}
					return rep, nil
				default:
					return a.Sync(ctx)
				}
			})
		}()
	}

	if cfg.Inbox.Enabled {
		loop(jobs.KindSweep, cfg.Schedule.SweepIntervalSec)
	}
	if cfg.CRM.Enabled() {
		loop(jobs.KindSync, cfg.Schedule.SyncIntervalSec)
	}
	wg.Wait()
}
