package review

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/platform/notification"
)

// DefaultReviewSLA is how long an item may sit open before the watcher
// alerts.
const DefaultReviewSLA = 24 * time.Hour

// Notifier sends a templated alert. Satisfied by
// notification.NotificationManager.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// SLAWatcher alerts the review team when open items age past the SLA.
type SLAWatcher struct {
	svc      *Service
	notifier Notifier
	team     string
	maxAge   time.Duration
	logger   zerolog.Logger
}

type SLAWatcherOption func(*SLAWatcher)

// WithSLAMaxAge overrides the default SLA age.
func WithSLAMaxAge(age time.Duration) SLAWatcherOption {
	return func(w *SLAWatcher) { w.maxAge = age }
}

func WithSLAWatcherLogger(logger zerolog.Logger) SLAWatcherOption {
	return func(w *SLAWatcher) { w.logger = logger }
}

func NewSLAWatcher(svc *Service, notifier Notifier, team string, opts ...SLAWatcherOption) *SLAWatcher {
	w := &SLAWatcher{
		svc:      svc,
		notifier: notifier,
		team:     team,
		maxAge:   DefaultReviewSLA,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// RunOnce takes one pass and reports how many items are past SLA. One alert
// covers the whole batch.
func (w *SLAWatcher) RunOnce(ctx context.Context) (int, error) {
	items, err := w.svc.Overdue(ctx, w.maxAge)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	data := map[string]string{
		"count":     strconv.Itoa(len(items)),
		"hours":     strconv.FormatFloat(w.maxAge.Hours(), 'f', -1, 64),
		"oldest_id": items[0].ID.String(),
	}
	if _, err := w.notifier.SendFromTemplate(ctx, "review-sla-breach", data, w.team); err != nil {
		return len(items), err
	}
	return len(items), nil
}

// Run drives RunOnce on the given interval until ctx is canceled.
func (w *SLAWatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("review sla pass failed")
			} else if n > 0 {
				w.logger.Warn().Int("overdue", n).Msg("review items past sla")
			}
		}
	}
}
