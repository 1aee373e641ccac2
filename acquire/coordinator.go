package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/metrics"
)

const (
	defaultOrderTimeout    = 30 * time.Second
	defaultPollInterval    = time.Second
	defaultMaxAttempts     = 5
	defaultRetryMarkup     = 5
	defaultTravelAttempts  = 3
	defaultTravelTimeout   = 20 * time.Second
	defaultMarketTolerance = 5
	defaultFallbackPrice   = 1000
)

// Config tunes the bounded waits and retries of market purchases.
type Config struct {
	// OrderTimeout is how long a single buy order may wait for fulfilment.
	OrderTimeout time.Duration `yaml:"order_timeout"`
	// PollInterval is how often fulfilment and movement are polled.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxAttempts is the number of buy orders placed per requirement.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryMarkupPercent compounds the offer on every retry.
	RetryMarkupPercent int `yaml:"retry_markup_percent"`
	// TravelAttempts bounds how often travel to the market is requested.
	TravelAttempts int `yaml:"travel_attempts"`
	// TravelTimeout bounds how long a single travel request may take.
	TravelTimeout time.Duration `yaml:"travel_timeout"`
	// MarketTolerance is the arrival radius around the market location.
	MarketTolerance int `yaml:"market_tolerance"`
	// FallbackPrice is used when no reference price is available.
	FallbackPrice int `yaml:"fallback_price"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.OrderTimeout == 0 {
		c.OrderTimeout = defaultOrderTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryMarkupPercent == 0 {
		c.RetryMarkupPercent = defaultRetryMarkup
	}
	if c.TravelAttempts == 0 {
		c.TravelAttempts = defaultTravelAttempts
	}
	if c.TravelTimeout == 0 {
		c.TravelTimeout = defaultTravelTimeout
	}
	if c.MarketTolerance == 0 {
		c.MarketTolerance = defaultMarketTolerance
	}
	if c.FallbackPrice == 0 {
		c.FallbackPrice = defaultFallbackPrice
	}
}

// Coordinator acquires resources from local stock, storage and the market.
type Coordinator struct {
	inventory capability.Inventory
	storage   capability.Storage
	market    capability.Market
	navigator capability.Navigator

	cfg      Config
	logger   *slog.Logger
	audit    *logging.AuditLog
	registry metrics.Registry
	metrics  *coordinatorMetrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStorage enables the storage source.
func WithStorage(s capability.Storage) Option {
	return func(c *Coordinator) {
		c.storage = s
	}
}

// WithMarket enables the market source. The navigator is used to travel to the market
// and may be nil when the market is reachable from anywhere.
func WithMarket(m capability.Market, nav capability.Navigator) Option {
	return func(c *Coordinator) {
		c.market = m
		c.navigator = nav
	}
}

// WithConfig sets timeouts and retry limits. Unset fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		cfg.SetDefaults()
		c.cfg = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger.With("component", "acquire")
	}
}

// WithAuditLog records acquisitions in the session audit log.
func WithAuditLog(audit *logging.AuditLog) Option {
	return func(c *Coordinator) {
		c.audit = audit
	}
}

// WithMetricsRegistry enables acquisition metrics.
func WithMetricsRegistry(reg metrics.Registry) Option {
	return func(c *Coordinator) {
		c.registry = reg
	}
}

// New creates a Coordinator backed by inventory.
func New(inventory capability.Inventory, opts ...Option) (*Coordinator, error) {
	if inventory == nil {
		return nil, errors.New("inventory is required")
	}
	c := &Coordinator{
		inventory: inventory,
		logger:    slog.Default().With("component", "acquire"),
	}
	c.cfg.SetDefaults()
	for _, opt := range opts {
		opt(c)
	}

	m, err := newCoordinatorMetrics(c.registry)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	return c, nil
}

// Check returns the local shortfall of every requirement. It never touches storage or
// the market.
func (c *Coordinator) Check(ctx context.Context, reqs []Requirement) (map[string]int, error) {
	shortfall := make(map[string]int)
	var errs []error
	for _, req := range reqs {
		have, err := c.inventory.Count(ctx, req.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading inventory count of %s: %w", req.Name, err))
			continue
		}
		if have < req.Quantity {
			shortfall[req.Name] = req.Quantity - have
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return shortfall, nil
}

// acquisition tracks one requirement while it moves through the source chain.
type acquisition struct {
	req  Requirement
	have int
	last string
}

func (a *acquisition) need() int {
	return a.req.Quantity - a.have
}

// Gather satisfies reqs in order. It never returns an error and never panics: every
// fault ends up in Result.Missing with a description in Result.LastAction.
func (c *Coordinator) Gather(ctx context.Context, reqs []Requirement) Result {
	res := newResult()
	for _, req := range reqs {
		a := &acquisition{req: req}
		c.gatherSafely(ctx, a)

		obtained := min(a.have, req.Quantity)
		if obtained > 0 {
			res.Obtained[req.Name] += obtained
		}
		if missing := req.Quantity - obtained; missing > 0 {
			res.Missing[req.Name] += missing
			if !req.AllowPartial || obtained == 0 {
				res.Success = false
			}
			c.metrics.addShortfall(req.Name, missing)
			c.audit.Record(logging.CategoryResource, "%s short by %d: %s", req.Name, missing, a.last)
		}
		if a.last != "" {
			res.LastAction = a.last
		}
	}

	c.logger.Info("acquisition finished",
		"success", res.Success,
		"obtained", res.Obtained,
		"missing", res.Missing,
		"last_action", res.LastAction,
	)
	return res
}

func (c *Coordinator) gatherSafely(ctx context.Context, a *acquisition) {
	defer func() {
		if r := recover(); r != nil {
			a.last = fmt.Sprintf("panic while acquiring %s: %v", a.req.Name, r)
			c.logger.Error("acquisition panicked", "item", a.req.Name, "panic", r)
		}
	}()
	c.gather(ctx, a)
}

func (c *Coordinator) gather(ctx context.Context, a *acquisition) {
	logger := c.logger.With("item", a.req.Name, "quantity", a.req.Quantity, "policy", a.req.Policy.String())

	if err := a.req.Validate(); err != nil {
		a.last = err.Error()
		logger.Warn("invalid requirement", "error", err)
		return
	}

	local, err := c.inventory.Count(ctx, a.req.Name)
	if err != nil {
		a.last = fmt.Sprintf("could not read inventory: %v", err)
		logger.Warn("inventory read failed", "error", err)
		return
	}
	a.have = local
	if a.need() <= 0 {
		a.last = fmt.Sprintf("%s already held (%d)", a.req.Name, local)
		logger.Debug("requirement already satisfied locally", "held", local)
		return
	}

	if a.req.Policy.AllowsStorage() && c.storage != nil {
		c.fromStorage(ctx, logger, a)
		if a.need() <= 0 {
			return
		}
	}

	if a.req.Policy.AllowsMarket() && c.market != nil {
		c.fromMarket(ctx, logger, a)
		return
	}

	if a.last == "" {
		a.last = fmt.Sprintf("no source allowed for %s under policy %s", a.req.Name, a.req.Policy)
	}
}

func (c *Coordinator) fromStorage(ctx context.Context, logger *slog.Logger, a *acquisition) {
	if err := ctx.Err(); err != nil {
		a.last = "aborted before storage withdrawal"
		return
	}

	reachable, err := c.storage.Reachable(ctx)
	if err != nil || !reachable {
		a.last = "storage unreachable"
		logger.Info("storage unreachable", "error", err)
		return
	}

	stored, err := c.storage.Count(ctx, a.req.Name)
	if err != nil {
		a.last = fmt.Sprintf("could not read storage: %v", err)
		logger.Warn("storage read failed", "error", err)
		return
	}
	if stored <= 0 {
		a.last = fmt.Sprintf("storage holds no %s", a.req.Name)
		logger.Info("item not in storage")
		return
	}

	if err := ctx.Err(); err != nil {
		a.last = "aborted before storage withdrawal"
		return
	}
	if err := c.storage.Open(ctx); err != nil {
		a.last = fmt.Sprintf("could not open storage: %v", err)
		logger.Warn("storage open failed", "error", err)
		return
	}
	defer func() {
		if err := c.storage.Close(ctx); err != nil {
			logger.Debug("storage close failed", "error", err)
		}
	}()

	want := min(a.need(), stored)
	got, err := c.storage.Withdraw(ctx, a.req.Name, want)
	if got > 0 {
		a.have += got
		c.metrics.addObtained("storage", got)
	}
	if err != nil {
		a.last = fmt.Sprintf("withdrew %d/%d %s from storage: %v", got, want, a.req.Name, err)
		logger.Warn("storage withdrawal failed", "withdrawn", got, "error", err)
		return
	}
	a.last = fmt.Sprintf("withdrew %d %s from storage", got, a.req.Name)
	c.audit.Record(logging.CategoryResource, "withdrew %d %s from storage", got, a.req.Name)
	logger.Info("withdrew from storage", "withdrawn", got)
}

func (c *Coordinator) fromMarket(ctx context.Context, logger *slog.Logger, a *acquisition) {
	if err := c.travelToMarket(ctx, logger); err != nil {
		a.last = fmt.Sprintf("could not reach market: %v", err)
		return
	}

	if err := ctx.Err(); err != nil {
		a.last = "aborted before opening market"
		return
	}
	if err := c.market.Open(ctx); err != nil {
		a.last = fmt.Sprintf("could not open market: %v", err)
		logger.Warn("market open failed", "error", err)
		return
	}
	c.collect(ctx, logger)

	reference, err := c.market.ReferencePrice(ctx, a.req.Name)
	if err != nil || reference <= 0 {
		logger.Info("reference price unavailable, using fallback", "fallback", c.cfg.FallbackPrice, "error", err)
		reference = c.cfg.FallbackPrice
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			a.last = fmt.Sprintf("aborted during market attempt %d", attempt)
			return
		}

		need := a.need()
		price := Offer(a.req.Strategy, reference, a.req.FixedPrice, attempt, c.cfg.RetryMarkupPercent)
		attemptLogger := logger.With("attempt", attempt, "price", price, "need", need)

		if err := c.market.PlaceBuy(ctx, a.req.Name, need, price); err != nil {
			c.metrics.marketAttempt("rejected")
			a.last = fmt.Sprintf("buy order for %d %s at %d rejected: %v", need, a.req.Name, price, err)
			attemptLogger.Warn("buy order rejected", "error", err)
			continue
		}
		c.audit.Record(logging.CategoryResource, "buy %d %s at %d (attempt %d/%d)", need, a.req.Name, price, attempt, c.cfg.MaxAttempts)
		attemptLogger.Info("buy order placed")

		filled := 0
		done, err := waitUntil(ctx, c.cfg.OrderTimeout, c.cfg.PollInterval, func() bool {
			c.collect(ctx, attemptLogger)
			n, err := c.market.Filled(ctx, a.req.Name)
			if err != nil {
				attemptLogger.Debug("fill poll failed", "error", err)
				return false
			}
			filled = n
			return n >= need
		})
		if done {
			c.collect(ctx, attemptLogger)
			a.have += need
			c.metrics.marketAttempt("filled")
			c.metrics.addObtained("market", need)
			a.last = fmt.Sprintf("bought %d %s at %d", need, a.req.Name, price)
			attemptLogger.Info("buy order filled")
			return
		}

		// Timed out or aborted: pull the order and keep whatever was filled.
		if cancelErr := c.market.CancelAll(context.WithoutCancel(ctx), a.req.Name); cancelErr != nil {
			attemptLogger.Warn("cancelling pending orders failed", "error", cancelErr)
		}
		if filled > 0 {
			partial := min(filled, need)
			a.have += partial
			c.metrics.addObtained("market", partial)
		}
		if err != nil {
			c.metrics.marketAttempt("aborted")
			a.last = fmt.Sprintf("aborted while waiting for %s order", a.req.Name)
			return
		}
		c.metrics.marketAttempt("timeout")
		a.last = fmt.Sprintf("buy order for %s at %d timed out", a.req.Name, price)
		attemptLogger.Info("buy order timed out, escalating", "filled", filled)
		if a.need() <= 0 {
			return
		}
	}

	a.last = fmt.Sprintf("market purchase of %s exhausted after %d attempts", a.req.Name, c.cfg.MaxAttempts)
}

// travelToMarket moves the agent to the market, detecting arrival by position and
// movement. Without a navigator the market is assumed reachable.
func (c *Coordinator) travelToMarket(ctx context.Context, logger *slog.Logger) error {
	if c.navigator == nil {
		return nil
	}
	target := c.market.Location()
	tolerance := c.cfg.MarketTolerance

	arrived := func() bool {
		pos, err := c.navigator.Position(ctx)
		if err != nil {
			return false
		}
		moving, err := c.navigator.Moving(ctx)
		if err != nil || moving {
			return false
		}
		return withinTolerance(pos, target, tolerance)
	}
	if arrived() {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.TravelAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.navigator.Navigate(ctx, target, tolerance); err != nil {
			lastErr = err
			logger.Warn("travel request failed", "attempt", attempt, "target", target.String(), "error", err)
			continue
		}
		ok, err := waitUntil(ctx, c.cfg.TravelTimeout, c.cfg.PollInterval, arrived)
		if err != nil {
			return err
		}
		if ok {
			logger.Debug("arrived at market", "attempt", attempt)
			return nil
		}
		lastErr = fmt.Errorf("not at %s after %s", target, c.cfg.TravelTimeout)
	}
	return fmt.Errorf("travel failed after %d attempts: %w", c.cfg.TravelAttempts, lastErr)
}

func (c *Coordinator) collect(ctx context.Context, logger *slog.Logger) {
	if err := c.market.CollectCompleted(ctx); err != nil {
		logger.Debug("collecting completed orders failed", "error", err)
	}
}

func withinTolerance(a, b capability.Point, tolerance int) bool {
	if a.Plane != b.Plane {
		return false
	}
	return abs(a.X-b.X) <= tolerance && abs(a.Y-b.Y) <= tolerance
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
