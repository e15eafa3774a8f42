package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// localTunnelPort is fixed, so two sessions on one workstation collide.
	localTunnelPort = 5999
	vncBasePort     = 5900
	defaultViewer   = "vncviewer"
)

var displayPattern = regexp.MustCompile(`on display [^\s:]*:([0-9]+)`)

// Display is where a running session can be reached.
type Display struct {
	Screen     string
	LocalPort  int
	RemoteAddr string
}

func (d Display) LocalAddr() string {
	return fmt.Sprintf("localhost:%d", d.LocalPort)
}

// parseScreenNumber finds the display the VNC server announced in its log and
// returns it zero padded to two digits.
func parseScreenNumber(vncLog string) (string, error) {
	m := displayPattern.FindStringSubmatch(vncLog)
	if m == nil {
		return "", ErrNoDisplay
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", withKind(ErrNoDisplay, err)
	}
	return fmt.Sprintf("%02d", n), nil
}

// viewer starts the local VNC client and blocks until it exits.
type viewer interface {
	View(ctx context.Context, endpoint, credentialHex string) error
}

type vncViewer struct {
	binary string
}

func newVNCViewer() *vncViewer {
	binary := os.Getenv("REMOTEVNC_VIEWER")
	if binary == "" {
		binary = defaultViewer
	}
	return &vncViewer{binary: binary}
}

func (v *vncViewer) View(ctx context.Context, endpoint, credentialHex string) error {
	cmd := exec.CommandContext(ctx, v.binary, "-encpassword", credentialHex, endpoint)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Infof("starting %s %s", v.binary, endpoint)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s", v.binary, endpoint)
	}
	return nil
}

// connector attaches the local viewer to the VNC server of a running job.
type connector struct {
	remote     remote
	identity   Identity
	viewer     viewer
	nodeSuffix string
}

func newConnector(r remote, id Identity, v viewer) *connector {
	return &connector{
		remote:     r,
		identity:   id,
		viewer:     v,
		nodeSuffix: os.Getenv("REMOTEVNC_NODE_SUFFIX"),
	}
}

// Connect reads the display and credential the job left behind, tunnels the
// display port to localTunnelPort and runs the viewer against it. The tunnel
// is not probed first; the viewer reports connection problems itself.
func (c *connector) Connect(ctx context.Context, node string) (Display, error) {
	logPath := c.identity.RemotePath("vnclog")
	vncLog, err := c.remote.Run(ctx, "cat "+shellQuote(logPath))
	if err != nil {
		return Display{}, withKind(ErrNoDisplay, errors.Wrapf(err, "read %s", logPath))
	}
	screen, err := parseScreenNumber(vncLog)
	if err != nil {
		return Display{}, errors.Wrapf(err, "no display in %s", logPath)
	}
	log.Debugf("VNC server on %s uses screen %s", node, screen)

	passwdPath := c.identity.RemotePath("passwd")
	credential, err := c.remote.Run(ctx, "cat "+shellQuote(passwdPath))
	if err != nil {
		return Display{}, errors.Wrapf(err, "read %s", passwdPath)
	}

	n, _ := strconv.Atoi(screen)
	d := Display{
		Screen:     screen,
		LocalPort:  localTunnelPort,
		RemoteAddr: net.JoinHostPort(node+c.nodeSuffix, strconv.Itoa(vncBasePort+n)),
	}
	if err := c.remote.Forward(d.LocalAddr(), d.RemoteAddr); err != nil {
		return Display{}, errors.Wrap(err, "open tunnel")
	}
	log.Infof("tunnel %s -> %s", d.LocalAddr(), d.RemoteAddr)

	if err := c.viewer.View(ctx, d.LocalAddr(), hex.EncodeToString([]byte(credential))); err != nil {
		return d, err
	}
	return d, nil
}
