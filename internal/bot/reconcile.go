package bot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crossarb/internal/exchange"
	"crossarb/pkg/utils"
)

// driftTolerance - расхождение меньше этого считается шумом округления
const driftTolerance = 1e-8

// Reconciler - периодическая сверка позиций площадок с трекером
//
// Только обнаруживает расхождение: позицию трекера не меняет.
// Пока сделка в работе, сверка пропускается.
type Reconciler struct {
	tracker    *PositionTracker
	venues     []exchange.Connector
	instrument string
	interval   time.Duration
	timeout    time.Duration
	log        *utils.Logger

	skip    func() bool
	onDrift func(Drift)
}

// NewReconciler создаёт сверку; interval = 0 выключает периодический запуск
func NewReconciler(tracker *PositionTracker, instrument string, interval time.Duration, logger *utils.Logger, venues ...exchange.Connector) *Reconciler {
	if logger == nil {
		logger = utils.L()
	}
	return &Reconciler{
		tracker:    tracker,
		venues:     venues,
		instrument: instrument,
		interval:   interval,
		timeout:    10 * time.Second,
		log:        logger.WithComponent("reconcile"),
		skip:       func() bool { return false },
		onDrift:    func(Drift) {},
	}
}

// SetCallbacks задаёт условие пропуска и получателя расхождений
func (r *Reconciler) SetCallbacks(skip func() bool, onDrift func(Drift)) {
	if skip != nil {
		r.skip = skip
	}
	if onDrift != nil {
		r.onDrift = onDrift
	}
}

// Run запускает сверку по таймеру до отмены ctx
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.skip() {
				r.log.Debug("reconcile skipped: trade in flight")
				continue
			}
			r.RunOnce(ctx)
		}
	}
}

// RunOnce сверяет все площадки и возвращает найденные расхождения
func (r *Reconciler) RunOnce(ctx context.Context) []Drift {
	var drifts []Drift
	for _, v := range r.venues {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		reported, err := v.GetPosition(cctx, r.instrument)
		cancel()
		if err != nil {
			r.log.Warn("get position failed", utils.Venue(v.Name()), zap.Error(err))
			continue
		}

		d, drifted := r.tracker.Reconcile(v.Name(), reported, driftTolerance)
		PositionDrift.WithLabelValues(v.Name()).Set(d.Diff)
		if !drifted {
			continue
		}
		r.log.Warn("position drift",
			utils.Venue(v.Name()),
			zap.Float64("tracker", d.Tracker),
			zap.Float64("reported", d.Reported),
			zap.Float64("diff", d.Diff))
		drifts = append(drifts, d)
		r.onDrift(d)
	}
	return drifts
}
