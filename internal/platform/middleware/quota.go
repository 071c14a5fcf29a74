package middleware

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// QuotaPlan bounds a submitting gateway's traffic over fixed windows.
// A zero limit leaves that window unenforced.
type QuotaPlan struct {
	Name       string `json:"name"`
	PerMinute  int64  `json:"per_minute"`
	PerHour    int64  `json:"per_hour"`
	PerDay     int64  `json:"per_day"`
	Concurrent int64  `json:"concurrent"`
}

// DefaultQuotaPlans returns the built-in tiers, sized for the intake
// channels we see: a trial integration, a steady clinic feed, a
// high-volume aggregator, and a clearinghouse.
func DefaultQuotaPlans() []QuotaPlan {
	return []QuotaPlan{
		{Name: "trial", PerMinute: 60, PerHour: 1000, PerDay: 10000, Concurrent: 5},
		{Name: "standard", PerMinute: 300, PerHour: 10000, PerDay: 100000, Concurrent: 20},
		{Name: "high_volume", PerMinute: 1000, PerHour: 50000, PerDay: 500000, Concurrent: 50},
		{Name: "clearinghouse", PerMinute: 5000, PerHour: 200000, PerDay: 2000000, Concurrent: 200},
	}
}

// defaultPlanName is assigned to submitters with no explicit plan.
const defaultPlanName = "trial"

// submitterCounter tracks one submitter's traffic. Window starts are
// wall-clock truncated, so every submitter's minute rolls at :00.
type submitterCounter struct {
	mu          sync.Mutex
	minuteStart time.Time
	minuteCount int64
	hourStart   time.Time
	hourCount   int64
	dayStart    time.Time
	dayCount    int64
	inFlight    int64
	lastSeen    time.Time
}

func (c *submitterCounter) roll(now time.Time) {
	if m := now.Truncate(time.Minute); !c.minuteStart.Equal(m) {
		c.minuteStart, c.minuteCount = m, 0
	}
	if h := now.Truncate(time.Hour); !c.hourStart.Equal(h) {
		c.hourStart, c.hourCount = h, 0
	}
	if d := now.Truncate(24 * time.Hour); !c.dayStart.Equal(d) {
		c.dayStart, c.dayCount = d, 0
	}
}

// QuotaDecision is the outcome of one admission check. When Allowed is
// false, Window names the exhausted limit and RetryAfter points at its
// next boundary.
type QuotaDecision struct {
	Allowed    bool
	Plan       string
	Window     string
	Remaining  int64
	RetryAfter time.Duration
}

// SubmitterQuota enforces per-submitter plans over minute, hour and day
// windows plus an in-flight cap. State is in-memory; counters reset on
// restart, which forgives rather than double-counts.
type SubmitterQuota struct {
	mu        sync.RWMutex
	plans     map[string]QuotaPlan
	assigned  map[string]string
	counters  map[string]*submitterCounter
	lastSweep time.Time

	now func() time.Time
}

// NewSubmitterQuota creates a quota registry pre-loaded with the
// default plans.
func NewSubmitterQuota() *SubmitterQuota {
	q := &SubmitterQuota{
		plans:     make(map[string]QuotaPlan),
		assigned:  make(map[string]string),
		counters:  make(map[string]*submitterCounter),
		lastSweep: time.Now(),
		now:       time.Now,
	}
	for _, p := range DefaultQuotaPlans() {
		q.plans[p.Name] = p
	}
	return q
}

// RegisterPlan adds or replaces a plan tier.
func (q *SubmitterQuota) RegisterPlan(plan QuotaPlan) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.plans[plan.Name] = plan
}

// AssignPlan binds a submitter to a named plan.
func (q *SubmitterQuota) AssignPlan(clientID, planName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.plans[planName]; !ok {
		return fmt.Errorf("unknown quota plan: %s", planName)
	}
	q.assigned[clientID] = planName
	return nil
}

// PlanFor returns the plan in force for a submitter, falling back to
// the default tier.
func (q *SubmitterQuota) PlanFor(clientID string) QuotaPlan {
	q.mu.RLock()
	defer q.mu.RUnlock()
	name, ok := q.assigned[clientID]
	if !ok {
		name = defaultPlanName
	}
	plan, ok := q.plans[name]
	if !ok {
		plan = q.plans[defaultPlanName]
	}
	return plan
}

// Plans returns all registered plans ordered by daily volume.
func (q *SubmitterQuota) Plans() []QuotaPlan {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QuotaPlan, 0, len(q.plans))
	for _, p := range q.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerDay < out[j].PerDay })
	return out
}

// counter returns the submitter's counter, creating it if needed, and
// amortizes the idle-counter sweep across lookups.
func (q *SubmitterQuota) counter(clientID string) *submitterCounter {
	now := q.now()
	q.mu.RLock()
	ctr, ok := q.counters[clientID]
	due := now.Sub(q.lastSweep) > time.Minute
	q.mu.RUnlock()
	if ok && !due {
		return ctr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if now.Sub(q.lastSweep) > time.Minute {
		// Nothing survives the day window, so an idle day-and-change
		// means the counter holds no live state.
		for id, c := range q.counters {
			c.mu.Lock()
			idle := now.Sub(c.lastSeen)
			c.mu.Unlock()
			if idle > 25*time.Hour {
				delete(q.counters, id)
			}
		}
		q.lastSweep = now
	}
	if ctr, ok := q.counters[clientID]; ok {
		return ctr
	}
	ctr = &submitterCounter{lastSeen: now}
	q.counters[clientID] = ctr
	return ctr
}

// Allow admits or rejects one request for the submitter and, when
// admitted, counts it against every window. Callers must pair each
// allowed request with Release.
func (q *SubmitterQuota) Allow(clientID string) QuotaDecision {
	plan := q.PlanFor(clientID)
	ctr := q.counter(clientID)
	now := q.now()

	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	ctr.lastSeen = now
	ctr.roll(now)

	switch {
	case plan.Concurrent > 0 && ctr.inFlight >= plan.Concurrent:
		return QuotaDecision{Plan: plan.Name, Window: "concurrent", RetryAfter: time.Second}
	case plan.PerMinute > 0 && ctr.minuteCount >= plan.PerMinute:
		return QuotaDecision{Plan: plan.Name, Window: "minute", RetryAfter: ctr.minuteStart.Add(time.Minute).Sub(now)}
	case plan.PerHour > 0 && ctr.hourCount >= plan.PerHour:
		return QuotaDecision{Plan: plan.Name, Window: "hour", RetryAfter: ctr.hourStart.Add(time.Hour).Sub(now)}
	case plan.PerDay > 0 && ctr.dayCount >= plan.PerDay:
		return QuotaDecision{Plan: plan.Name, Window: "day", RetryAfter: ctr.dayStart.Add(24 * time.Hour).Sub(now)}
	}

	ctr.minuteCount++
	ctr.hourCount++
	ctr.dayCount++
	ctr.inFlight++

	remaining := int64(-1)
	if plan.PerMinute > 0 {
		remaining = plan.PerMinute - ctr.minuteCount
	}
	return QuotaDecision{Allowed: true, Plan: plan.Name, Remaining: remaining}
}

// Release marks one admitted request as finished.
func (q *SubmitterQuota) Release(clientID string) {
	ctr := q.counter(clientID)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	if ctr.inFlight > 0 {
		ctr.inFlight--
	}
}

// QuotaUsage is a point-in-time snapshot of a submitter's counters.
type QuotaUsage struct {
	ClientID string `json:"client_id"`
	Plan     string `json:"plan"`
	Minute   int64  `json:"minute"`
	Hour     int64  `json:"hour"`
	Day      int64  `json:"day"`
	InFlight int64  `json:"in_flight"`
}

// Usage reports current consumption for a submitter.
func (q *SubmitterQuota) Usage(clientID string) QuotaUsage {
	plan := q.PlanFor(clientID)
	ctr := q.counter(clientID)
	now := q.now()

	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	ctr.roll(now)
	return QuotaUsage{
		ClientID: clientID,
		Plan:     plan.Name,
		Minute:   ctr.minuteCount,
		Hour:     ctr.hourCount,
		Day:      ctr.dayCount,
		InFlight: ctr.inFlight,
	}
}

// QuotaMiddleware enforces the per-submitter plan on API-key traffic.
// Requests without a key identity pass through; the per-tenant limiter
// still covers them.
func QuotaMiddleware(q *SubmitterQuota) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID, _ := c.Get("client_id").(string)
			if clientID == "" {
				return next(c)
			}

			d := q.Allow(clientID)
			h := c.Response().Header()
			h.Set("X-Quota-Plan", d.Plan)
			if !d.Allowed {
				retry := int(d.RetryAfter.Seconds()) + 1
				h.Set("Retry-After", strconv.Itoa(retry))
				return echo.NewHTTPError(http.StatusTooManyRequests,
					fmt.Sprintf("quota exceeded: %s window", d.Window))
			}
			if d.Remaining >= 0 {
				h.Set("X-Quota-Remaining-Minute", strconv.FormatInt(d.Remaining, 10))
			}
			defer q.Release(clientID)
			return next(c)
		}
	}
}

// QuotaHandler exposes plan inspection and assignment for operators.
type QuotaHandler struct {
	quota *SubmitterQuota
}

func NewQuotaHandler(q *SubmitterQuota) *QuotaHandler {
	return &QuotaHandler{quota: q}
}

// RegisterRoutes mounts the quota admin endpoints on g. Callers attach
// their own authorization middleware to the group.
func (h *QuotaHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/plans", h.handleListPlans)
	g.GET("/usage/:client_id", h.handleUsage)
	g.POST("/assign", h.handleAssign)
}

func (h *QuotaHandler) handleListPlans(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"plans": h.quota.Plans(),
	})
}

func (h *QuotaHandler) handleUsage(c echo.Context) error {
	clientID := c.Param("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	return c.JSON(http.StatusOK, h.quota.Usage(clientID))
}

type quotaAssignRequest struct {
	ClientID string `json:"client_id"`
	Plan     string `json:"plan"`
}

func (h *QuotaHandler) handleAssign(c echo.Context) error {
	var req quotaAssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ClientID == "" || req.Plan == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id and plan are required")
	}
	if err := h.quota.AssignPlan(req.ClientID, req.Plan); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"client_id": req.ClientID,
		"plan":      req.Plan,
	})
}
