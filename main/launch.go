package main

import (
	"context"
	"crypto/des"
	"crypto/rand"
	"fmt"
	"io"
	"math/bits"
	"regexp"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	passwordLength   = 8
	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
	heredocMarker    = "REMOTEVNC_SCRIPT_EOF"
)

// vncKey is the fixed DES key VNC uses to obfuscate stored passwords.
var vncKey = [8]byte{23, 82, 107, 6, 35, 78, 88, 7}

var submittedPattern = regexp.MustCompile(`Submitted batch job ([0-9]+)`)

var batchTemplate = template.Must(template.New("sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --time={{.TimeLimit}}
#SBATCH --ntasks=1
#SBATCH --cpus-per-task={{.CPUs}}
#SBATCH --mem={{.MemoryGB}}G
#SBATCH --output={{.OutputLog}}

# Remove VNC servers from earlier jobs on this node whose Xvnc is gone.
for pidfile in "$HOME"/.vnc/"$(hostname)":*.pid; do
    [ -e "$pidfile" ] || continue
    if ! kill -0 "$(cat "$pidfile")" 2>/dev/null; then
        stale="${pidfile##*:}"
        vncserver -kill ":${stale%.pid}" >/dev/null 2>&1
        rm -f "$pidfile"
    fi
done

vncserver -geometry {{.Geometry}} -rfbauth "$HOME/{{.PasswdFile}}" > "$HOME/{{.VNCLog}}" 2>&1
display=$(sed -n 's/.*on display [^:]*:\([0-9]*\).*/\1/p' "$HOME/{{.VNCLog}}" | head -n 1)
if [ -z "$display" ]; then
    echo "vncserver did not report a display" >&2
    exit 1
fi
trap 'vncserver -kill ":${display}" >/dev/null 2>&1' EXIT

pidfile="$HOME/.vnc/$(hostname):${display}.pid"
while [ -e "$pidfile" ] && kill -0 "$(cat "$pidfile")" 2>/dev/null; do
    sleep 30
done
`))

type batchParams struct {
	JobName    string
	TimeLimit  string
	CPUs       int
	MemoryGB   int
	Geometry   string
	OutputLog  string
	PasswdFile string
	VNCLog     string
}

// renderBatchScript fills the job template for one session.
func renderBatchScript(s Settings, id Identity) (string, error) {
	var b strings.Builder
	err := batchTemplate.Execute(&b, batchParams{
		JobName:    id.JobName(),
		TimeLimit:  s.TimeLimit,
		CPUs:       s.CPUs,
		MemoryGB:   s.MemoryGB,
		Geometry:   s.Geometry,
		OutputLog:  id.RemotePath("out"),
		PasswdFile: id.RemotePath("passwd"),
		VNCLog:     id.RemotePath("vnclog"),
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// generatePassword draws a random password from passwordAlphabet. Bytes at or
// above the largest multiple of the alphabet size are discarded so every
// character is equally likely.
func generatePassword(random io.Reader) (string, error) {
	limit := 256 - 256%len(passwordAlphabet)
	out := make([]byte, 0, passwordLength)
	buf := make([]byte, 1)
	for len(out) < passwordLength {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, passwordAlphabet[int(buf[0])%len(passwordAlphabet)])
	}
	return string(out), nil
}

func vncCipherKey() []byte {
	key := make([]byte, len(vncKey))
	for i, b := range vncKey {
		key[i] = bits.Reverse8(b)
	}
	return key
}

// obfuscatePassword produces the 8 byte block vncpasswd writes. Passwords
// longer than 8 characters are truncated, as VNC does.
func obfuscatePassword(password string) ([]byte, error) {
	block, err := des.NewCipher(vncCipherKey())
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 8)
	copy(plain, password)
	out := make([]byte, 8)
	block.Encrypt(out, plain)
	return out, nil
}

// launcher creates and submits the VNC job.
type launcher struct {
	remote   remote
	identity Identity
	settings Settings
	random   io.Reader
}

func newLauncher(r remote, id Identity, s Settings) *launcher {
	return &launcher{remote: r, identity: id, settings: s, random: rand.Reader}
}

// Launch uploads a fresh credential and the batch script, then submits it.
// It returns the scheduler job id when sbatch reports one.
func (l *launcher) Launch(ctx context.Context) (string, error) {
	script, err := renderBatchScript(l.settings, l.identity)
	if err != nil {
		return "", withKind(ErrLaunch, errors.Wrap(err, "render batch script"))
	}

	password, err := generatePassword(l.random)
	if err != nil {
		return "", withKind(ErrLaunch, errors.Wrap(err, "generate password"))
	}
	credential, err := obfuscatePassword(password)
	if err != nil {
		return "", withKind(ErrLaunch, errors.Wrap(err, "encrypt password"))
	}
	passwdPath := l.identity.RemotePath("passwd")
	if err := l.remote.Upload(ctx, passwdPath, credential, 0o600); err != nil {
		return "", withKind(ErrLaunch, errors.Wrapf(err, "upload %s", passwdPath))
	}

	scriptPath := l.identity.RemotePath("sbatch")
	var b strings.Builder
	b.WriteString("set -eo pipefail; ")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(remoteDir))
	fmt.Fprintf(&b, "rm -f %s\n", shellQuote(l.identity.RemotePath("vnclog")))
	fmt.Fprintf(&b, "cat > %s <<'%s'\n", shellQuote(scriptPath), heredocMarker)
	b.WriteString(script)
	fmt.Fprintf(&b, "%s\n", heredocMarker)
	fmt.Fprintf(&b, "sbatch %s\n", shellQuote(scriptPath))

	out, err := l.remote.Run(ctx, "bash -lc "+shellQuote(b.String()))
	if err != nil {
		return "", withKind(ErrLaunch, errors.Wrap(err, "submit batch job"))
	}
	log.Infof("sbatch: %s", strings.TrimSpace(out))

	m := submittedPattern.FindStringSubmatch(out)
	if m == nil {
		log.Warnf("unable to parse job id from sbatch output %q", strings.TrimSpace(out))
		return "", nil
	}
	return m[1], nil
}
