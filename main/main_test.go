package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closingRemote counts how often the run tears the connection down.
type closingRemote struct {
	*fakeRemote
	closes   int
	closeErr error
}

func (c *closingRemote) Close() error {
	c.closes++
	return c.closeErr
}

func newTestSession(t *testing.T, r *closingRemote, v viewer) (*session, string) {
	t.Helper()
	t.Setenv("REMOTEVNC_USER", "alice")
	t.Setenv("REMOTEVNC_HOST", "login.test")
	t.Setenv("REMOTEVNC_NODE_SUFFIX", "")
	storePath := filepath.Join(t.TempDir(), "sessions.db")
	s := &session{
		dial: func(context.Context, string, string) (sessionTransport, error) {
			return r, nil
		},
		viewer:    v,
		storePath: storePath,
	}
	return s, storePath
}

func newClosingRemote() *closingRemote {
	r := &closingRemote{fakeRemote: newFakeRemote()}
	r.responses["whoami"] = "alice\n"
	return r
}

func lastOutcome(t *testing.T, path string) string {
	t.Helper()
	store, err := openStore(path)
	require.NoError(t, err)
	defer store.Close()
	records, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0].Outcome
}

func TestSessionClosesTransportAfterProbeFailure(t *testing.T) {
	r := newClosingRemote()
	r.failures["squeue"] = errors.New("slurm_load_jobs error: Socket timed out")
	s, storePath := newTestSession(t, r, &fakeViewer{})

	err := s.run(context.Background(), defaultSettings())
	assert.ErrorIs(t, err, ErrProbe)
	assert.Equal(t, 1, r.closes)
	assert.Equal(t, "FAILED", lastOutcome(t, storePath))
}

func TestSessionClosesTransportAfterLaunchFailure(t *testing.T) {
	r := newClosingRemote()
	r.responses["squeue"] = ""
	r.uploadErr = errors.New("disk quota exceeded")
	s, _ := newTestSession(t, r, &fakeViewer{})

	err := s.run(context.Background(), defaultSettings())
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, 1, r.closes)
}

func TestSessionKeepsErrorKindWhenCloseFails(t *testing.T) {
	closeErr := errors.New("connection already lost")
	r := newClosingRemote()
	r.failures["squeue"] = errors.New("squeue: command not found")
	r.closeErr = closeErr
	s, _ := newTestSession(t, r, &fakeViewer{})

	err := s.run(context.Background(), defaultSettings())
	assert.ErrorIs(t, err, ErrProbe)
	assert.ErrorIs(t, err, closeErr)
	assert.Equal(t, 1, r.closes)
}

func TestSessionClosesTransportAfterIdentityFailure(t *testing.T) {
	r := &closingRemote{fakeRemote: newFakeRemote()}
	r.failures["whoami"] = errors.New("broken pipe")
	s, _ := newTestSession(t, r, &fakeViewer{})

	err := s.run(context.Background(), defaultSettings())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, r.closes)
}

func TestSessionConnectsAndCloses(t *testing.T) {
	credential, err := obfuscatePassword("ABCDEFGH")
	require.NoError(t, err)
	r := newClosingRemote()
	r.responses["squeue"] = "4242 RUNNING r001c002s003\n"
	r.responses["cat '.remotevnc/alice-slurm-3.vnclog'"] = "started on display r001c002s003:5"
	r.responses["cat '.remotevnc/alice-slurm-3.passwd'"] = string(credential)
	v := &fakeViewer{}
	s, storePath := newTestSession(t, r, v)

	require.NoError(t, s.run(context.Background(), defaultSettings()))
	assert.Equal(t, 1, r.closes)
	assert.Len(t, v.calls, 1)
	assert.Equal(t, [][2]string{{"localhost:5999", "r001c002s003:5905"}}, r.forwards)
	assert.Equal(t, "CONNECTED", lastOutcome(t, storePath))
}

func TestSessionDialFailure(t *testing.T) {
	t.Setenv("REMOTEVNC_USER", "alice")
	s := &session{
		dial: func(context.Context, string, string) (sessionTransport, error) {
			return nil, withKind(ErrTransport, errors.New("no route to host"))
		},
		viewer:    &fakeViewer{},
		storePath: filepath.Join(t.TempDir(), "sessions.db"),
	}

	err := s.run(context.Background(), defaultSettings())
	assert.ErrorIs(t, err, ErrTransport)
}
