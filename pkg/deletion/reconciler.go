package deletion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openvdi/vdibroker/pkg/provider"
	"github.com/openvdi/vdibroker/pkg/stores"
	"github.com/openvdi/vdibroker/pkg/telemetry"
)

// Config carries the reconciler tunables. It is handed in at construction;
// reloading configuration means building a new reconciler, not mutating
// shared globals.
type Config struct {
	// CheckInterval is how far NextCheck is pushed whenever a record is
	// rescheduled.
	CheckInterval time.Duration `yaml:"check_interval" validate:"omitempty,min=0"`

	// RetriesToRetry is how many consecutive "still running" or "still not
	// deleted" polls are tolerated before the underlying stop/delete request
	// is re-issued.
	RetriesToRetry int `yaml:"retries_to_retry" validate:"omitempty,min=1"`

	// MaxRetryableRetries is the retryable-error ceiling before giving up.
	MaxRetryableRetries int `yaml:"max_retryable_error_retries" validate:"omitempty,min=1"`

	// MaxFatalRetries is the fatal-error ceiling before giving up.
	MaxFatalRetries int `yaml:"max_fatal_error_retries" validate:"omitempty,min=1"`

	// MaxTotalRetries is the lifetime ceiling across all attempts.
	MaxTotalRetries int `yaml:"max_total_retries" validate:"omitempty,min=1"`

	// MaxDeletionsAtOnce caps how many records the deleting group pulls into
	// one sweep, bounding concurrent is-deleted polls against the remote API.
	MaxDeletionsAtOnce int `yaml:"max_deletions_at_once" validate:"omitempty,min=1"`

	// ProviderCallRate and ProviderCallBurst bound outbound adapter calls
	// per second across the whole sweep.
	ProviderCallRate  float64 `yaml:"provider_call_rate" validate:"omitempty,gt=0"`
	ProviderCallBurst int     `yaml:"provider_call_burst" validate:"omitempty,min=1"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		RetriesToRetry:      3,
		MaxRetryableRetries: 5,
		MaxFatalRetries:     3,
		MaxTotalRetries:     100,
		MaxDeletionsAtOnce:  32,
		ProviderCallRate:    10,
		ProviderCallBurst:   20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.RetriesToRetry <= 0 {
		c.RetriesToRetry = d.RetriesToRetry
	}
	if c.MaxRetryableRetries <= 0 {
		c.MaxRetryableRetries = d.MaxRetryableRetries
	}
	if c.MaxFatalRetries <= 0 {
		c.MaxFatalRetries = d.MaxFatalRetries
	}
	if c.MaxTotalRetries <= 0 {
		c.MaxTotalRetries = d.MaxTotalRetries
	}
	if c.MaxDeletionsAtOnce <= 0 {
		c.MaxDeletionsAtOnce = d.MaxDeletionsAtOnce
	}
	if c.ProviderCallRate <= 0 {
		c.ProviderCallRate = d.ProviderCallRate
	}
	if c.ProviderCallBurst <= 0 {
		c.ProviderCallBurst = d.ProviderCallBurst
	}
	return c
}

// Reconciler owns the four deletion groups and advances every due record on
// each sweep. Provider failures never escape Run: they are classified and
// converted into reschedules or give-ups.
type Reconciler struct {
	cfg      Config
	registry *provider.Registry
	groups   map[Group]stores.Storage
	limiter  *rate.Limiter
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTracer attaches the tracer wrapping each sweep in a span.
func WithTracer(tr *telemetry.Tracer) Option {
	return func(r *Reconciler) { r.tracer = tr }
}

// WithClock overrides the reconciler clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler over the given adapter registry and storage.
func New(cfg Config, registry *provider.Registry, storage stores.Scoper, opts ...Option) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		cfg:      cfg,
		registry: registry,
		groups: map[Group]stores.Storage{
			GroupToStop:   storage.Scope(string(GroupToStop)),
			GroupStopping: storage.Scope(string(GroupStopping)),
			GroupToDelete: storage.Scope(string(GroupToDelete)),
			GroupDeleting: storage.Scope(string(GroupDeleting)),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.ProviderCallRate), cfg.ProviderCallBurst),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a machine for deletion. With executeLater the record is only
// persisted, to be picked up by the next sweep. Otherwise the first provider
// calls happen synchronously: the stop request for machines that must stop
// first, or the delete request itself when they need not.
func (r *Reconciler) Add(ctx context.Context, serviceID, vmid string, executeLater bool) error {
	ad, err := r.registry.Resolve(serviceID)
	if err != nil {
		return fmt.Errorf("deferred deletion of %s: %w", vmid, err)
	}

	now := r.now()
	rec := &Record{
		ServiceID: serviceID,
		VMID:      vmid,
		Created:   now,
		NextCheck: now,
	}
	log := r.log.With().Str("service", serviceID).Str("vmid", vmid).Logger()

	if executeLater {
		group := GroupToDelete
		if ad.MustStopBeforeDeletion() {
			group = GroupToStop
		}
		log.Debug().Str("group", string(group)).Msg("deletion scheduled for next sweep")
		return r.put(ctx, group, rec)
	}

	if ad.MustStopBeforeDeletion() {
		running, err := ad.IsRunning(ctx, vmid)
		r.metrics.RecordProviderCall("is_running", err)
		if err != nil {
			if provider.IsNotFound(err) {
				log.Debug().Msg("machine already gone, nothing to delete")
				ad.NotifyDeleted(ctx, vmid)
				return nil
			}
			// Leave the running question to the sweep.
			r.countFailure(rec, err)
			rec.NextCheck = now.Add(r.cfg.CheckInterval)
			return r.put(ctx, GroupToStop, rec)
		}
		if running {
			if err := r.issueStop(ctx, ad, rec); err != nil && !provider.IsNotFound(err) {
				r.countFailure(rec, err)
				rec.NextCheck = now.Add(r.cfg.CheckInterval)
				return r.put(ctx, GroupToStop, rec)
			}
			log.Debug().Msg("stop issued, deletion deferred until stopped")
			return r.put(ctx, GroupStopping, rec)
		}
	}

	// Already stopped or no stop required: try the delete right away.
	group, keep := r.attemptDelete(ctx, ad, rec)
	if !keep {
		return nil
	}
	return r.put(ctx, group, rec)
}

// Run performs one reconciliation sweep over the four groups in their fixed
// order. Promotions flow downstream before the downstream group is
// processed, so they are handled within the same sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := r.tracer.StartSweepSpan(ctx)
	defer span.End()

	start := r.now()
	for _, group := range sweepOrder {
		if err := r.sweepGroup(ctx, group); err != nil {
			err = fmt.Errorf("sweep %s: %w", group, err)
			telemetry.RecordError(span, err)
			return err
		}
	}
	r.metrics.ObserveSweep(r.now().Sub(start))
	telemetry.RecordSuccess(span)
	return nil
}

// Pending returns how many records each group currently holds.
func (r *Reconciler) Pending(ctx context.Context) (map[Group]int, error) {
	out := make(map[Group]int, len(sweepOrder))
	for _, g := range sweepOrder {
		keys, err := r.groups[g].Keys(ctx)
		if err != nil {
			return nil, err
		}
		out[g] = len(keys)
	}
	return out, nil
}

type disposition int

const (
	dispStay disposition = iota
	dispMove
	dispDrop
	dispSkip
)

type outcome struct {
	disp disposition
	to   Group
}

func (r *Reconciler) sweepGroup(ctx context.Context, group Group) error {
	type promotion struct {
		to  Group
		rec *Record
	}
	var promotions []promotion

	err := r.groups[group].Update(ctx, func(region stores.Region) error {
		now := r.now()

		keys := make([]string, 0, len(region))
		for k := range region {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		processed := 0
		for _, key := range keys {
			rec, err := decodeRecord(region[key])
			if err != nil {
				// A blob we cannot decode would wedge the group forever.
				r.log.Error().Err(err).Str("group", string(group)).Str("key", key).
					Msg("dropping undecodable deletion record")
				delete(region, key)
				continue
			}
			if now.Before(rec.NextCheck) {
				continue
			}
			if group == GroupDeleting && processed >= r.cfg.MaxDeletionsAtOnce {
				break
			}
			processed++

			out := r.processRecord(ctx, group, rec)
			switch out.disp {
			case dispStay:
				data, err := rec.encode()
				if err != nil {
					return err
				}
				region[key] = data
			case dispMove:
				delete(region, key)
				promotions = append(promotions, promotion{to: out.to, rec: rec})
			case dispDrop:
				delete(region, key)
			case dispSkip:
				// Rate limiter pushback: leave untouched for the next sweep.
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range promotions {
		if err := r.put(ctx, p.to, p.rec); err != nil {
			return err
		}
	}

	if n, err := r.groups[group].Keys(ctx); err == nil {
		r.metrics.SetDeletionBacklog(string(group), len(n))
	}
	return nil
}

// processRecord advances one due record. All provider failures are absorbed
// here and turned into counter updates, reschedules, moves or give-ups.
func (r *Reconciler) processRecord(ctx context.Context, group Group, rec *Record) outcome {
	if !r.limiter.Allow() {
		return outcome{disp: dispSkip}
	}

	ad, err := r.registry.Resolve(rec.ServiceID)
	if err != nil {
		// The owning service is gone; the machine is unreachable for us.
		return r.failure(group, rec, provider.NewFatalError("service no longer registered", err))
	}

	log := r.log.With().
		Str("group", string(group)).
		Str("service", rec.ServiceID).
		Str("vmid", rec.VMID).Logger()

	switch group {
	case GroupToStop:
		running, err := ad.IsRunning(ctx, rec.VMID)
		r.metrics.RecordProviderCall("is_running", err)
		if err != nil {
			return r.failure(group, rec, err)
		}
		if !running {
			// Already stopped: fall through to the delete group this sweep.
			rec.Retries = 0
			rec.NextCheck = r.now()
			return outcome{disp: dispMove, to: GroupToDelete}
		}
		if err := r.issueStop(ctx, ad, rec); err != nil && !provider.IsNotFound(err) {
			return r.failure(group, rec, err)
		}
		rec.Retries = 0
		rec.NextCheck = r.now().Add(r.cfg.CheckInterval)
		return outcome{disp: dispMove, to: GroupStopping}

	case GroupStopping:
		running, err := ad.IsRunning(ctx, rec.VMID)
		r.metrics.RecordProviderCall("is_running", err)
		if err != nil {
			if provider.IsNotFound(err) {
				rec.Retries = 0
				rec.NextCheck = r.now()
				return outcome{disp: dispMove, to: GroupToDelete}
			}
			return r.failure(group, rec, err)
		}
		if !running {
			rec.Retries = 0
			rec.NextCheck = r.now()
			return outcome{disp: dispMove, to: GroupToDelete}
		}
		rec.Retries++
		rec.TotalRetries++
		if rec.TotalRetries >= r.cfg.MaxTotalRetries {
			return r.giveUp(group, rec, "exceeded total retry ceiling while stopping")
		}
		if rec.Retries >= r.cfg.RetriesToRetry {
			// The machine ignored the request long enough; fire it again.
			if err := r.issueStop(ctx, ad, rec); err != nil && !provider.IsNotFound(err) {
				return r.failure(group, rec, err)
			}
			rec.Retries = 0
		}
		rec.NextCheck = r.now().Add(r.cfg.CheckInterval)
		return outcome{disp: dispStay}

	case GroupToDelete:
		group2, keep := r.attemptDelete(ctx, ad, rec)
		if !keep {
			return outcome{disp: dispDrop}
		}
		if group2 == GroupToDelete {
			return outcome{disp: dispStay}
		}
		return outcome{disp: dispMove, to: group2}

	case GroupDeleting:
		gone, err := ad.IsDeleted(ctx, rec.VMID)
		r.metrics.RecordProviderCall("is_deleted", err)
		if err != nil {
			if provider.IsNotFound(err) {
				gone = true
			} else {
				return r.failure(group, rec, err)
			}
		}
		if gone {
			log.Info().Msg("machine deletion confirmed")
			ad.NotifyDeleted(ctx, rec.VMID)
			return outcome{disp: dispDrop}
		}
		rec.Retries++
		rec.TotalRetries++
		if rec.TotalRetries >= r.cfg.MaxTotalRetries {
			return r.giveUp(group, rec, "exceeded total retry ceiling while deleting")
		}
		if rec.Retries >= r.cfg.RetriesToRetry {
			err := ad.ExecuteDelete(ctx, rec.VMID)
			r.metrics.RecordProviderCall("execute_delete", err)
			if err != nil && !provider.IsNotFound(err) {
				return r.failure(group, rec, err)
			}
			rec.Retries = 0
		}
		rec.NextCheck = r.now().Add(r.cfg.CheckInterval)
		return outcome{disp: dispStay}
	}

	// Unreachable group; drop defensively is wrong, keep it visible instead.
	log.Error().Msg("record in unknown group")
	return outcome{disp: dispStay}
}

// attemptDelete fires the delete request. It reports which group the record
// belongs in afterwards, or keep=false when the record is finished (either
// delete-by-absence or give-up).
func (r *Reconciler) attemptDelete(ctx context.Context, ad provider.Adapter, rec *Record) (Group, bool) {
	spanCtx, span := r.tracer.StartProviderSpan(ctx, rec.ServiceID, rec.VMID, "execute_delete")
	err := ad.ExecuteDelete(spanCtx, rec.VMID)
	r.metrics.RecordProviderCall("execute_delete", err)
	telemetry.RecordError(span, err)
	span.End()
	if err == nil {
		rec.Retries = 0
		rec.NextCheck = r.now()
		return GroupDeleting, true
	}
	if provider.IsNotFound(err) {
		ad.NotifyDeleted(ctx, rec.VMID)
		return "", false
	}
	out := r.failure(GroupToDelete, rec, err)
	if out.disp == dispDrop {
		return "", false
	}
	return GroupToDelete, true
}

// failure classifies a provider error and updates the record counters,
// dropping the record once the relevant ceiling is exceeded.
func (r *Reconciler) failure(group Group, rec *Record, err error) outcome {
	kind := provider.Classify(err)
	r.metrics.RecordProviderError(string(kind))

	if kind == provider.KindNotFound {
		// Success by absence.
		return outcome{disp: dispDrop}
	}

	rec.TotalRetries++
	switch kind {
	case provider.KindFatal:
		rec.FatalRetries++
		if rec.FatalRetries >= r.cfg.MaxFatalRetries {
			return r.giveUp(group, rec, "exceeded fatal error ceiling: "+err.Error())
		}
	default:
		rec.Retries++
		if rec.Retries >= r.cfg.MaxRetryableRetries {
			return r.giveUp(group, rec, "exceeded retryable error ceiling: "+err.Error())
		}
	}
	if rec.TotalRetries >= r.cfg.MaxTotalRetries {
		return r.giveUp(group, rec, "exceeded total retry ceiling: "+err.Error())
	}

	r.log.Warn().Err(err).
		Str("group", string(group)).
		Str("service", rec.ServiceID).
		Str("vmid", rec.VMID).
		Int("retries", rec.Retries).
		Int("total_retries", rec.TotalRetries).
		Msg("deletion attempt failed, rescheduled")
	rec.NextCheck = r.now().Add(r.cfg.CheckInterval)
	return outcome{disp: dispStay}
}

// giveUp drops a record permanently. The machine is presumed orphaned; the
// only trace is the log line and the give-up counter.
func (r *Reconciler) giveUp(group Group, rec *Record, reason string) outcome {
	r.metrics.RecordDeletionGiveUp(string(group))
	r.log.Error().
		Str("group", string(group)).
		Str("service", rec.ServiceID).
		Str("vmid", rec.VMID).
		Int("total_retries", rec.TotalRetries).
		Int("fatal_retries", rec.FatalRetries).
		Str("reason", reason).
		Msg("giving up on deferred deletion, machine may be orphaned")
	return outcome{disp: dispDrop}
}

func (r *Reconciler) issueStop(ctx context.Context, ad provider.Adapter, rec *Record) error {
	op := "stop"
	if ad.ShouldTrySoftShutdown() {
		op = "shutdown"
	}
	ctx, span := r.tracer.StartProviderSpan(ctx, rec.ServiceID, rec.VMID, op)
	defer span.End()

	var err error
	if op == "shutdown" {
		err = ad.Shutdown(ctx, rec.VMID)
	} else {
		err = ad.Stop(ctx, rec.VMID)
	}
	r.metrics.RecordProviderCall(op, err)
	telemetry.RecordError(span, err)
	return err
}

// countFailure updates counters for a synchronous Add-path failure without
// deciding a disposition.
func (r *Reconciler) countFailure(rec *Record, err error) {
	rec.TotalRetries++
	if provider.Classify(err) == provider.KindFatal {
		rec.FatalRetries++
	} else {
		rec.Retries++
	}
}

func (r *Reconciler) put(ctx context.Context, group Group, rec *Record) error {
	data, err := rec.encode()
	if err != nil {
		return err
	}
	return r.groups[group].Put(ctx, rec.Key(), data)
}
