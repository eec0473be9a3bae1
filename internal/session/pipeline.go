package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/bus"
	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/types"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// pipeline is the detector fan-out for one Running period.
//
// Goroutine topology:
//   - repLoop: pose channel → RepPhaseDetector → rep events
//   - violationLoop: pose channel → ViolationDetector → feedback
//   - aggregateLoop: rep events + feedback + latest pose → Session and snapshot
//
// Shutdown drains: closing the pose bus stops publishing, the pose channels
// are closed, each detector loop finishes its buffered poses and closes its
// output, and the aggregator exits once both outputs are closed.
type pipeline struct {
	poses *bus.Bus[types.Pose]

	repIn  chan types.Pose
	violIn chan types.Pose
	poseIn chan types.Pose

	repOut  chan repphase.Event
	violOut chan violation.Feedback

	wg sync.WaitGroup
}

func newPipeline(buffer int) (*pipeline, error) {
	p := &pipeline{
		poses:   bus.New[types.Pose](),
		repIn:   make(chan types.Pose, buffer),
		violIn:  make(chan types.Pose, buffer),
		poseIn:  make(chan types.Pose, 1),
		repOut:  make(chan repphase.Event, buffer),
		violOut: make(chan violation.Feedback, buffer),
	}
	for id, ch := range map[string]chan types.Pose{
		"repphase":  p.repIn,
		"violation": p.violIn,
		"state":     p.poseIn,
	} {
		if err := p.poses.Subscribe(id, ch); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (o *Orchestrator) startPipeline() error {
	p, err := newPipeline(o.cfg.PoseBuffer)
	if err != nil {
		return err
	}

	p.wg.Add(3)
	go o.repLoop(p)
	go o.violationLoop(p)
	go o.aggregateLoop(p)

	o.run.Store(p)
	return nil
}

// stopPipeline closes the pose stream and waits for every buffered pose to be processed.
func (o *Orchestrator) stopPipeline() {
	p := o.run.Swap(nil)
	if p == nil {
		return
	}

	stats := p.poses.Stats()
	p.poses.Close()
	close(p.repIn)
	close(p.violIn)
	close(p.poseIn)
	p.wg.Wait()

	slog.Debug("session: pipeline drained",
		"poses_published", stats.Published,
		"poses_dropped", stats.Dropped,
	)
}

func (o *Orchestrator) repLoop(p *pipeline) {
	defer p.wg.Done()
	defer close(p.repOut)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	// Silence is measured on the pose timeline: the last pose timestamp plus
	// the wall time elapsed since it arrived.
	var lastPose time.Time
	var lastRecv time.Time
	abandoned := o.rep.Stats().Abandoned

	for {
		select {
		case pose, ok := <-p.repIn:
			if !ok {
				return
			}
			lastPose, lastRecv = pose.Timestamp, o.now()
			for _, ev := range o.rep.Process(pose) {
				p.repOut <- ev
			}
		case <-ticker.C:
			if lastPose.IsZero() {
				continue
			}
			o.rep.Tick(lastPose.Add(o.now().Sub(lastRecv)))
		}
		abandoned = o.reportAbandoned(abandoned)
	}
}

func (o *Orchestrator) reportAbandoned(prev map[repphase.AbandonReason]int) map[repphase.AbandonReason]int {
	cur := o.rep.Stats().Abandoned
	for reason, n := range cur {
		for i := prev[reason]; i < n; i++ {
			slog.Info("session: rep abandoned", "exercise", o.rules.Exercise, "reason", reason)
			if o.deps.Observer != nil {
				o.deps.Observer.RepAbandoned(o.rules.Exercise, string(reason))
			}
		}
	}
	return cur
}

func (o *Orchestrator) violationLoop(p *pipeline) {
	defer p.wg.Done()
	defer close(p.violOut)

	for pose := range p.violIn {
		if fb, ok := o.viol.Process(pose); ok {
			p.violOut <- fb
		}
	}
}

func (o *Orchestrator) aggregateLoop(p *pipeline) {
	defer p.wg.Done()

	repOut, violOut, poseIn := p.repOut, p.violOut, p.poseIn
	for repOut != nil || violOut != nil {
		select {
		case ev, ok := <-repOut:
			if !ok {
				repOut = nil
				continue
			}
			o.onRepEvent(ev)
		case fb, ok := <-violOut:
			if !ok {
				violOut = nil
				continue
			}
			o.onFeedback(fb)
		case pose, ok := <-poseIn:
			if !ok {
				poseIn = nil
				continue
			}
			o.onPose(pose)
		}
	}
}
