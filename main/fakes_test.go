package main

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// fakeRemote answers commands by prefix and records everything it is asked to do.
type fakeRemote struct {
	responses map[string]string
	failures  map[string]error
	uploadErr error

	ops      []string
	runs     []string
	uploads  map[string][]byte
	modes    map[string]os.FileMode
	forwards [][2]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		responses: map[string]string{},
		failures:  map[string]error{},
		uploads:   map[string][]byte{},
		modes:     map[string]os.FileMode{},
	}
}

func (f *fakeRemote) match(cmd string, table map[string]string) (string, bool) {
	prefixes := make([]string, 0, len(table))
	for p := range table {
		prefixes = append(prefixes, p)
	}
	// Longest prefix first so overlapping entries resolve predictably.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) {
			return table[p], true
		}
	}
	return "", false
}

func (f *fakeRemote) Run(_ context.Context, cmd string) (string, error) {
	f.ops = append(f.ops, "run")
	f.runs = append(f.runs, cmd)
	for p, err := range f.failures {
		if strings.HasPrefix(cmd, p) {
			return "", err
		}
	}
	if out, ok := f.match(cmd, f.responses); ok {
		return out, nil
	}
	return "", errors.Errorf("no such file: %s", cmd)
}

func (f *fakeRemote) Upload(_ context.Context, path string, data []byte, mode os.FileMode) error {
	f.ops = append(f.ops, "upload")
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads[path] = append([]byte(nil), data...)
	f.modes[path] = mode
	return nil
}

func (f *fakeRemote) Forward(localAddr, remoteAddr string) error {
	f.ops = append(f.ops, "forward")
	f.forwards = append(f.forwards, [2]string{localAddr, remoteAddr})
	return nil
}

func (f *fakeRemote) count(prefix string) int {
	n := 0
	for _, cmd := range f.runs {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

type viewCall struct {
	endpoint   string
	credential string
}

type fakeViewer struct {
	calls []viewCall
	err   error
}

func (v *fakeViewer) View(_ context.Context, endpoint, credentialHex string) error {
	v.calls = append(v.calls, viewCall{endpoint: endpoint, credential: credentialHex})
	return v.err
}

var testIdentity = Identity{User: "alice", Host: "login.test", Tag: jobTag}
