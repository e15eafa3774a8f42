package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// jobTag is embedded in the job name so jobs from older naming schemes are
// never mistaken for ours.
const jobTag = 3

// remoteDir holds the script, credential and logs of every session. Relative
// paths resolve against the remote home directory.
const remoteDir = ".remotevnc"

var nodePattern = regexp.MustCompile(`r[0-9]+c[0-9]+s[0-9]+`)

// Identity names the remote account and the job this run manages.
type Identity struct {
	User string
	Host string
	Tag  int
}

func (id Identity) JobName() string {
	return fmt.Sprintf("%s-slurm-%d", id.User, id.Tag)
}

// RemotePath returns the per-job file with the given extension.
func (id Identity) RemotePath(ext string) string {
	return remoteDir + "/" + id.JobName() + "." + ext
}

// resolveIdentity asks the login host who we are.
func resolveIdentity(ctx context.Context, r remote, host string) (Identity, error) {
	out, err := r.Run(ctx, "whoami")
	if err != nil {
		return Identity{}, withKind(ErrTransport, errors.Wrap(err, "resolve remote user"))
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return Identity{}, withKind(ErrTransport, errors.New("whoami returned nothing"))
	}
	return Identity{User: name, Host: host, Tag: jobTag}, nil
}

// Phase is the coarse scheduler state of our job.
type Phase int

const (
	Absent Phase = iota
	Pending
	Running
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	default:
		return "ABSENT"
	}
}

// JobState is one probe result. Node is only set when Phase is Running.
type JobState struct {
	Phase Phase
	Node  string
	JobID string
}

func (s JobState) String() string {
	if s.Phase == Running {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Node)
	}
	return s.Phase.String()
}

// ClassifyJobState interprets squeue output. A RUNNING line wins over a
// PENDING one; a RUNNING line without a recognisable node counts as pending
// since there is nothing to connect to yet.
func ClassifyJobState(text string) JobState {
	var pending *JobState
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "RUNNING"):
			node := nodePattern.FindString(line)
			if node == "" {
				if pending == nil {
					pending = &JobState{Phase: Pending, JobID: firstField(line)}
				}
				continue
			}
			return JobState{Phase: Running, Node: node, JobID: firstField(line)}
		case strings.Contains(line, "PENDING"):
			if pending == nil {
				pending = &JobState{Phase: Pending, JobID: firstField(line)}
			}
		}
	}
	if pending != nil {
		return *pending
	}
	return JobState{Phase: Absent}
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// prober queries the scheduler for the job named after an identity.
type prober struct {
	remote   remote
	identity Identity
}

func (p *prober) Probe(ctx context.Context) (JobState, error) {
	cmd := fmt.Sprintf("squeue --noheader --user=%s --name=%s --format=%s",
		shellQuote(p.identity.User), shellQuote(p.identity.JobName()), shellQuote("%i %T %N"))
	out, err := p.remote.Run(ctx, cmd)
	if err != nil {
		return JobState{}, withKind(ErrProbe, err)
	}
	state := ClassifyJobState(out)
	log.Debugf("job %s is %s", p.identity.JobName(), state)
	return state, nil
}
