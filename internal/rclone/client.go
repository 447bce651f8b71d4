// Package rclone invokes the external rclone binary against an SFTP remote.
// Credentials are passed through rclone's own obscure encoding so the
// plaintext password never appears on a command line.
package rclone

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/castletracker/internal/cmdlog"
	"github.com/BadgerOps/castletracker/internal/config"
)

// tuningFlags are applied to every copy. They are fixed rather than
// configurable so transfers behave identically across installs.
var tuningFlags = []string{
	"--sftp-disable-hashcheck",
	"--sftp-set-modtime=false",
	"--multi-thread-streams=4",
	"--multi-thread-cutoff=50M",
	"--transfers=8",
	"--checkers=16",
	"--buffer-size=64M",
	"--timeout=30s",
	"--contimeout=15s",
}

// statsFlags make rclone print a global stats block every second at INFO level.
var statsFlags = []string{"--stats", "1s", "--log-level", "INFO"}

const redacted = "***"

// waitDelay bounds how long a cancelled query waits for its output pipes.
const waitDelay = time.Second

// Client runs rclone commands for a single configured remote.
type Client struct {
	binary string
	remote config.RemoteConfig
	log    *cmdlog.Log
	logger *slog.Logger

	obscureMu sync.Mutex
	obscured  string
}

// NewClient creates a Client. cmdLog may be nil.
func NewClient(rc config.RcloneConfig, remote config.RemoteConfig, cmdLog *cmdlog.Log, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	binary := rc.Binary
	if binary == "" {
		binary = "rclone"
	}
	return &Client{
		binary: binary,
		remote: remote,
		log:    cmdLog,
		logger: logger,
	}
}

// Binary returns the configured rclone executable.
func (c *Client) Binary() string {
	return c.binary
}

// Obscure returns the remote password in rclone's obscured form. The helper
// is invoked once per Client; later calls reuse the result.
func (c *Client) Obscure(ctx context.Context) (string, error) {
	c.obscureMu.Lock()
	defer c.obscureMu.Unlock()

	if c.obscured != "" || c.remote.Password == "" {
		return c.obscured, nil
	}

	cmd := exec.CommandContext(ctx, c.binary, "obscure", c.remote.Password)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("rclone obscure: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	c.obscured = strings.TrimSpace(string(out))
	if c.obscured == "" {
		return "", fmt.Errorf("rclone obscure returned empty output")
	}
	return c.obscured, nil
}

// remoteArgs builds the on-the-fly :sftp: remote and its connection flags.
func (c *Client) remoteArgs(ctx context.Context, path string) ([]string, error) {
	args := []string{
		":sftp:" + path,
		"--sftp-host", c.remote.Host,
		"--sftp-user", c.remote.User,
		"--sftp-port", strconv.Itoa(c.remote.Port),
	}
	if c.remote.Password == "" {
		return args, nil
	}
	pass, err := c.Obscure(ctx)
	if err != nil {
		return nil, err
	}
	return append(args, "--sftp-pass", pass), nil
}

// Describe renders a command line for logging with the credential redacted.
func (c *Client) Describe(args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, c.binary)
	for i := 0; i < len(args); i++ {
		parts = append(parts, args[i])
		if args[i] == "--sftp-pass" && i+1 < len(args) {
			parts = append(parts, redacted)
			i++
		}
	}
	return strings.Join(parts, " ")
}

// output runs a single-shot rclone command and returns its stdout.
func (c *Client) output(ctx context.Context, args []string) ([]byte, error) {
	c.log.Write("CMD: " + c.Describe(args))
	c.logger.Debug("running rclone", "command", args[0])

	cmd := exec.CommandContext(ctx, c.binary, args...)
	// grandchildren may keep the pipes open after a cancel kills rclone
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("rclone %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// CopyCommand prepares (but does not start) the streaming copy from the
// remote path into localPath. The caller owns the returned command.
func (c *Client) CopyCommand(ctx context.Context, remotePath, localPath string) (*exec.Cmd, error) {
	rargs, err := c.remoteArgs(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	args := append([]string{"copy"}, rargs...)
	args = append(args, localPath)
	args = append(args, statsFlags...)
	args = append(args, tuningFlags...)

	c.log.Write("CMD: " + c.Describe(args))
	return exec.Command(c.binary, args...), nil
}

// Purge deletes every file under the remote path and then removes the empty
// directories left behind, keeping the root itself.
func (c *Client) Purge(ctx context.Context, remotePath string) error {
	rargs, err := c.remoteArgs(ctx, remotePath)
	if err != nil {
		return err
	}
	if _, err := c.output(ctx, append([]string{"delete"}, rargs...)); err != nil {
		return err
	}
	rmdirs := append([]string{"rmdirs"}, rargs...)
	rmdirs = append(rmdirs, "--leave-root")
	if _, err := c.output(ctx, rmdirs); err != nil {
		return err
	}
	return nil
}
