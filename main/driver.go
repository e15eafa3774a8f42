package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	defaultPollInterval = time.Second
	defaultMaxPolls     = 120
)

type jobProber interface {
	Probe(ctx context.Context) (JobState, error)
}

type jobLauncher interface {
	Launch(ctx context.Context) (string, error)
}

type displayConnector interface {
	Connect(ctx context.Context, node string) (Display, error)
}

// Outcome is how a run ended when it ended without a fatal error.
type Outcome int

const (
	Connected Outcome = iota
	TimedOut
)

func (o Outcome) String() string {
	if o == TimedOut {
		return "TIMEOUT"
	}
	return "CONNECTED"
}

type driverState int

const (
	stateCheck driverState = iota
	stateLaunch
	statePoll
	stateConnect
	stateDone
	stateTimeout
)

// Result summarises one driver run.
type Result struct {
	Outcome  Outcome
	Job      JobState
	Display  Display
	Launched bool
	JobID    string
	Polls    int
}

// driver walks CHECK -> [LAUNCH] -> POLL -> CONNECT until the session is up
// or the poll budget is spent.
type driver struct {
	prober    jobProber
	launcher  jobLauncher
	connector displayConnector
	clock     clock.Clock
	interval  time.Duration
	maxPolls  int
}

func newDriver(p jobProber, l jobLauncher, c displayConnector) *driver {
	return &driver{
		prober:    p,
		launcher:  l,
		connector: c,
		clock:     clock.RealClock{},
		interval:  defaultPollInterval,
		maxPolls:  defaultMaxPolls,
	}
}

func (d *driver) Run(ctx context.Context) (Result, error) {
	var res Result
	state := stateCheck
	for {
		switch state {
		case stateCheck:
			job, err := d.prober.Probe(ctx)
			if err != nil {
				return res, err
			}
			d.observe(&res, job)
			switch job.Phase {
			case Running:
				state = stateConnect
			case Pending:
				log.Info("job already queued, waiting for it to start")
				state = statePoll
			default:
				state = stateLaunch
			}

		case stateLaunch:
			log.Info("no session found, submitting a new job")
			jobID, err := d.launcher.Launch(ctx)
			if err != nil {
				return res, err
			}
			res.Launched = true
			if jobID != "" {
				res.JobID = jobID
			}
			state = statePoll

		case statePoll:
			if res.Polls >= d.maxPolls {
				state = stateTimeout
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			d.clock.Sleep(d.interval)
			res.Polls++
			job, err := d.prober.Probe(ctx)
			if err != nil {
				return res, err
			}
			d.observe(&res, job)
			if job.Phase == Running {
				state = stateConnect
			}

		case stateConnect:
			log.Infof("job running on %s, connecting", res.Job.Node)
			display, err := d.connector.Connect(ctx, res.Job.Node)
			if errors.Is(err, ErrNoDisplay) {
				log.Infof("%v, retrying", err)
				state = statePoll
				continue
			}
			res.Display = display
			if err != nil {
				return res, err
			}
			state = stateDone

		case stateDone:
			res.Outcome = Connected
			return res, nil

		case stateTimeout:
			res.Outcome = TimedOut
			return res, nil
		}
	}
}

func (d *driver) observe(res *Result, job JobState) {
	res.Job = job
	if job.JobID != "" {
		res.JobID = job.JobID
	}
}
