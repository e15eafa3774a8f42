package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const historyLimit = 20

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("remotevnc: %v", err)
	}
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage:
  remotevnc [flags]
  remotevnc --history

Submits a VNC desktop job to the cluster (or reuses the one already queued),
waits for it to start, tunnels the display over ssh and opens vncviewer.

Flags:
%s
Config file (default %s), one key=value per line:
  geometry=1920x1080
  timelimit=04:00:00   # HH:MM:SS
  n_cpu=4
  memory=8             # GB

Environment:
  REMOTEVNC_HOST         login host (default %s)
  REMOTEVNC_USER         ssh login name (default: local user)
  REMOTEVNC_NODE_SUFFIX  appended to compute node names when tunnelling
  REMOTEVNC_VIEWER       viewer binary (default %s)
`, fs.FlagUsages(), defaultConfigPath, defaultRemoteHost, defaultViewer)
}

func run(args []string) error {
	var opts cliOptions
	fs := newFlagSet(&opts)
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return err
	}
	if opts.help {
		printUsage(fs)
		return nil
	}
	configureLogging(os.Stderr, opts.verbosity)

	if opts.history {
		return showHistory()
	}

	settings, err := resolveSettings(fs, &opts)
	if err != nil {
		return err
	}
	log.Debugf("settings: geometry=%s timelimit=%s n_cpu=%d memory=%dG",
		settings.Geometry, settings.TimeLimit, settings.CPUs, settings.MemoryGB)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runSession(ctx, settings)
}

// sessionTransport is a remote that must be torn down at the end of the run.
type sessionTransport interface {
	remote
	Close() error
}

// session wires the components of one run. Tests swap dial and viewer.
type session struct {
	dial      func(ctx context.Context, host, username string) (sessionTransport, error)
	viewer    viewer
	storePath string
}

func newSession() *session {
	return &session{
		dial: func(ctx context.Context, host, username string) (sessionTransport, error) {
			t, err := dialTransport(ctx, host, username)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		viewer:    newVNCViewer(),
		storePath: defaultStorePath,
	}
}

func runSession(ctx context.Context, settings Settings) error {
	return newSession().run(ctx, settings)
}

// run owns the ssh connection for the whole run and closes it exactly once,
// whether the driver succeeds or fails.
func (s *session) run(ctx context.Context, settings Settings) (err error) {
	host := remoteHost()
	username, err := loginUser()
	if err != nil {
		return withKind(ErrTransport, err)
	}
	transport, err := s.dial(ctx, host, username)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := transport.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	identity, err := resolveIdentity(ctx, transport, host)
	if err != nil {
		return err
	}
	log.Infof("connected to %s as %s, job name %s", host, identity.User, identity.JobName())

	history, rowID := beginHistory(s.storePath, identity, settings)
	if history != nil {
		defer history.Close()
	}

	d := newDriver(
		&prober{remote: transport, identity: identity},
		newLauncher(transport, identity, settings),
		newConnector(transport, identity, s.viewer),
	)
	res, runErr := d.Run(ctx)
	if history != nil {
		if err := history.Finish(rowID, res, runErr, time.Now()); err != nil {
			log.Warnf("unable to record session: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	switch res.Outcome {
	case TimedOut:
		log.Warnf("job %s did not start after %d polls; it stays queued for the next run", identity.JobName(), res.Polls)
	case Connected:
		log.Infof("viewer for %s screen %s closed", res.Job.Node, res.Display.Screen)
	}
	return nil
}

func beginHistory(path string, identity Identity, settings Settings) (*sessionStore, int64) {
	store, err := openStore(path)
	if err != nil {
		log.Warnf("session history unavailable: %v", err)
		return nil, 0
	}
	rowID, err := store.Begin(identity, settings, time.Now())
	if err != nil {
		log.Warnf("unable to record session: %v", err)
		store.Close()
		return nil, 0
	}
	return store, rowID
}

func showHistory() error {
	store, err := openStore(defaultStorePath)
	if err != nil {
		return errors.Wrap(err, "open history")
	}
	defer store.Close()

	records, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	printHistory(os.Stdout, records)
	return nil
}
