package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"hostbeat/pkg/alerting"
	"hostbeat/pkg/config"
	"hostbeat/pkg/rollup"
	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

const (
	alertInterval = time.Minute
	// alertWindow bounds both the latest-sample lookup and the availability
	// window fed into rule evaluation.
	alertWindow = 24 * time.Hour
)

// Run starts the background loops and blocks until ctx is cancelled: the
// three rollup refreshers, the periodic retention sweep, the heartbeat
// watchdog and the alert evaluation tick. Every loop survives individual
// job failures; only cancellation stops it.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.cfg.Watch(ctx) })

	g.Go(e.refreshLoop(ctx, telemetry.Resolution1m, func(c config.Config) config.RollupWindow { return c.Rollup.OneMinute }))
	g.Go(e.refreshLoop(ctx, telemetry.Resolution15m, func(c config.Config) config.RollupWindow { return c.Rollup.FifteenMinute }))
	g.Go(e.refreshLoop(ctx, telemetry.Resolution1h, func(c config.Config) config.RollupWindow { return c.Rollup.OneHour }))

	g.Go(func() error {
		return e.loop(ctx, "retention", func() time.Duration { return e.cfg.Current().Retention.SweepInterval.D() }, func(ctx context.Context) error {
			_, err := e.sweeper.Sweep(ctx)
			return err
		})
	})

	g.Go(func() error {
		return e.loop(ctx, "watchdog", func() time.Duration { return e.cfg.Current().Heartbeat.Interval.D() }, e.watchdogTick)
	})

	g.Go(func() error {
		return e.loop(ctx, "alerts", func() time.Duration { return alertInterval }, e.alertTick)
	})

	return g.Wait()
}

func (e *Engine) refreshLoop(ctx context.Context, res telemetry.Resolution, pick func(config.Config) config.RollupWindow) func() error {
	name := "rollup-" + string(res)
	return func() error {
		return e.loop(ctx, name, func() time.Duration { return pick(e.cfg.Current()).Refresh.D() }, func(ctx context.Context) error {
			w := pick(e.cfg.Current())
			return e.rollup.Refresh(ctx, res, rollup.Window{Lag: w.Lag.D(), Lookback: w.Lookback.D()})
		})
	}
}

// loop runs job on a ticker until ctx is cancelled. The interval is re-read
// each pass so a config reload takes effect without a restart. A failing or
// panicking job is logged and retried next tick.
func (e *Engine) loop(ctx context.Context, name string, interval func() time.Duration, job func(context.Context) error) error {
	log := e.log.With("loop", name)
	for {
		d := interval()
		if d <= 0 {
			d = time.Minute
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
		if err := runProtected(ctx, job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("background job failed", "err", err)
		}
	}
}

func runProtected(ctx context.Context, job func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// watchdogTick marks agents whose last heartbeat is older than the TTL as
// offline, writes the synthetic offline heartbeat that closes their uptime
// segment, and then credits one interval to every agent still online. The
// synthetic heartbeat is written even while the disk guard is tripped: a
// missing offline marker would overstate availability.
func (e *Engine) watchdogTick(ctx context.Context) error {
	now := e.now().UTC()
	cfg := e.cfg.Current().Heartbeat

	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status != telemetry.StatusOnline || now.Sub(a.LastSeen) <= cfg.TTL.D() {
			continue
		}
		if err := e.store.SetAgentStatus(ctx, a.ID, telemetry.StatusOffline, now); err != nil {
			e.log.Warn("mark offline failed", "agent", a.ID, "err", err)
			continue
		}
		hb := telemetry.HeartbeatRecord{AgentID: a.ID, Timestamp: now, Status: telemetry.StatusOffline}
		if err := e.store.WriteHeartbeat(ctx, hb); err != nil {
			e.log.Warn("synthetic offline heartbeat failed", "agent", a.ID, "err", err)
		}
		e.log.Info("agent offline", "agent", a.ID, "last_seen", a.LastSeen)
	}

	if _, err := e.store.TickUptime(ctx, cfg.Interval.D()); err != nil {
		return err
	}
	return nil
}

// alertTick evaluates the effective rules of every agent against its most
// recent sample and its recent availability.
func (e *Engine) alertTick(ctx context.Context) error {
	now := e.now().UTC()
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		rules, err := alerting.Resolve(ctx, e.store, "default", telemetry.ScopeAgent, a.ID)
		if err != nil {
			e.log.Warn("resolve rules failed", "agent", a.ID, "err", err)
			continue
		}
		if len(rules) == 0 {
			continue
		}
		values, err := e.currentValues(ctx, a.ID, now)
		if err != nil {
			e.log.Warn("collect values failed", "agent", a.ID, "err", err)
			continue
		}
		if err := e.alerts.Evaluate(ctx, a.ID, rules, values); err != nil {
			e.log.Warn("evaluate rules failed", "agent", a.ID, "err", err)
		}
	}
	return nil
}

func (e *Engine) currentValues(ctx context.Context, agentID string, now time.Time) (map[string]alerting.MetricValue, error) {
	values := map[string]alerting.MetricValue{}

	samples, err := e.store.QuerySamples(ctx, storage.SampleQuery{
		AgentID: agentID,
		Start:   now.Add(-alertWindow),
		End:     now.Add(time.Second),
	})
	if err != nil {
		return nil, err
	}
	if len(samples) > 0 {
		latest := samples[len(samples)-1]
		values["cpu_percent"] = alerting.MetricValue{Value: latest.CPUPercent}
		values["ram_percent"] = alerting.MetricValue{Value: latest.RAMPercent}
		values["ping"] = alerting.MetricValue{Value: latest.Ping}
		values["cpu_temp"] = alerting.MetricValue{Value: latest.CPUTemp}
		values["load_avg"] = alerting.MetricValue{Value: latest.LoadAvg}
	}

	avail, err := e.avail.Compute(ctx, agentID, now.Add(-alertWindow), now, e.cfg.Current().Heartbeat.TTL.D())
	if err != nil {
		return nil, err
	}
	if avail.Applicable {
		values["availability"] = alerting.MetricValue{Value: avail.Percent}
	}

	return values, nil
}
