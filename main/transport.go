package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultRemoteHost = "login.hpc.example.org"
	dialAttempts      = 3
	dialDelay         = 2 * time.Second
	dialTimeout       = 30 * time.Second
)

var defaultKeyFiles = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// remote is what the prober, launcher and connector need from the login
// host. All calls share one authenticated connection.
type remote interface {
	Run(ctx context.Context, cmd string) (string, error)
	Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Forward(localAddr, remoteAddr string) error
}

// sshTransport multiplexes every remote operation as a separate session over a
// single ssh.Client.
type sshTransport struct {
	host   string
	client *ssh.Client
	agent  net.Conn

	mu        sync.Mutex
	listeners []net.Listener

	closeOnce sync.Once
	closeErr  error
}

func remoteHost() string {
	if h := os.Getenv("REMOTEVNC_HOST"); h != "" {
		return h
	}
	return defaultRemoteHost
}

func loginUser() (string, error) {
	if u := os.Getenv("REMOTEVNC_USER"); u != "" {
		return u, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// dialTransport opens the shared connection to host. The caller owns the
// returned transport and must Close it.
func dialTransport(ctx context.Context, host, username string) (*sshTransport, error) {
	t := &sshTransport{host: host}
	config, err := t.clientConfig(username)
	if err != nil {
		t.closeAgent()
		return nil, withKind(ErrTransport, err)
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	err = retry.Do(
		func() error {
			client, err := ssh.Dial("tcp", addr, config)
			if err != nil {
				return err
			}
			t.client = client
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(dialAttempts),
		retry.Delay(dialDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("ssh dial %s attempt %d failed: %v", addr, n+1, err)
		}),
	)
	if err != nil {
		t.closeAgent()
		return nil, withKind(ErrTransport, errors.Wrapf(err, "connect to %s@%s", username, addr))
	}
	log.Debugf("ssh connection to %s@%s established", username, addr)
	return t, nil
}

func (t *sshTransport) clientConfig(username string) (*ssh.ClientConfig, error) {
	knownHostsPath, err := homedir.Expand("~/.ssh/known_hosts")
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", knownHostsPath)
	}

	var auth []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			log.Debugf("ssh agent at %s unavailable: %v", sock, err)
		} else {
			t.agent = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	var signers []ssh.Signer
	for _, p := range defaultKeyFiles {
		keyPath, err := homedir.Expand(p)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(keyPath)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			log.Debugf("skipping key %s: %v", keyPath, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh agent and no usable private key in ~/.ssh")
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}, nil
}

// Run executes cmd in a new session and returns its stdout.
func (t *sshTransport) Run(ctx context.Context, cmd string) (string, error) {
	return t.run(ctx, cmd, nil)
}

// Upload writes data to path on the remote host, creating parent directories.
func (t *sshTransport) Upload(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	cmd := fmt.Sprintf("umask 077 && mkdir -p %s && cat > %s && chmod %o %s",
		shellQuote(path.Dir(p)), shellQuote(p), mode.Perm(), shellQuote(p))
	_, err := t.run(ctx, cmd, bytes.NewReader(data))
	return err
}

func (t *sshTransport) run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "open ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = stdin

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	}
	if err != nil {
		return stdout.String(), errors.Wrapf(err, "remote command %q (stderr: %s)", cmd, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Forward listens on localAddr and relays every accepted connection to
// remoteAddr through the ssh connection. It returns as soon as the listener
// is up; relaying continues in the background until Close.
func (t *sshTransport) Forward(localAddr, remoteAddr string) error {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", localAddr)
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	log.Debugf("forwarding %s -> %s", localAddr, remoteAddr)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go t.relay(conn, remoteAddr)
		}
	}()
	return nil
}

func (t *sshTransport) relay(local net.Conn, remoteAddr string) {
	defer local.Close()
	upstream, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		log.Warnf("tunnel to %s: %v", remoteAddr, err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, upstream)
		done <- struct{}{}
	}()
	<-done
}

// Close stops all tunnels and the ssh connection. Safe to call more than once.
func (t *sshTransport) Close() error {
	t.closeOnce.Do(func() {
		var result *multierror.Error
		t.mu.Lock()
		for _, ln := range t.listeners {
			if err := ln.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		t.listeners = nil
		t.mu.Unlock()
		if t.client != nil {
			if err := t.client.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		t.closeAgent()
		t.closeErr = result.ErrorOrNil()
		log.Debugf("ssh connection to %s closed", t.host)
	})
	return t.closeErr
}

func (t *sshTransport) closeAgent() {
	if t.agent != nil {
		t.agent.Close()
		t.agent = nil
	}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

// expandLocalPath resolves ~ and returns an absolute path.
func expandLocalPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}
