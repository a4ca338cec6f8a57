package drbl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultBinDir          = "/opt/drbl/sbin"
	defaultLogDir          = "/var/log/clonezilla"
	defaultMulticastWait   = 300 * time.Second
	defaultUnicastTimeout  = 600 * time.Second
	defaultStopTimeout     = 10 * time.Second
	defaultQueryTimeout    = 5 * time.Second
	multicastCommand       = "dcs"
	unicastCommand         = "drbl-ocs"
	processPattern         = "dcs|drbl-ocs"
	pkillNoProcessExitCode = 1
)

// ImageCatalog resolves Clonezilla image names.
type ImageCatalog interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Config controls where the DRBL binaries and logs live and how long a
// single invocation may take.
type Config struct {
	BinDir           string
	LogDir           string
	MulticastMaxWait time.Duration
	UnicastTimeout   time.Duration
	StopTimeout      time.Duration
	// Simulate forces simulated results even when the binaries are present.
	Simulate bool
}

// Client drives the DRBL/Clonezilla command line tools. Each call makes
// exactly one attempt; retry policy belongs to the caller.
type Client struct {
	cfg       Config
	images    ImageCatalog
	runner    Runner
	logger    *log.Logger
	installed bool
	now       func() time.Time
}

// NewClient builds a Client and probes for the DRBL binaries. When they are
// missing every operation returns simulated results.
func NewClient(cfg Config, images ImageCatalog, runner Runner, logger *log.Logger) (*Client, error) {
	if images == nil {
		return nil, errors.New("image catalog is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", 0)
	}
	if cfg.BinDir == "" {
		cfg.BinDir = defaultBinDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDir
	}
	if cfg.MulticastMaxWait <= 0 {
		cfg.MulticastMaxWait = defaultMulticastWait
	}
	if cfg.UnicastTimeout <= 0 {
		cfg.UnicastTimeout = defaultUnicastTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	c := &Client{
		cfg:    cfg,
		images: images,
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if !cfg.Simulate {
		_, err := c.resolve(multicastCommand)
		c.installed = err == nil
	}
	logger.Printf("INFO drbl client initialised (installed: %t)", c.installed)
	return c, nil
}

// Installed reports whether real commands are issued.
func (c *Client) Installed() bool {
	return c != nil && c.installed
}

// StartMulticast starts a multicast session for imageName and waits up to
// maxWait for the tool to return. A non-positive maxWait uses the configured
// default.
func (c *Client) StartMulticast(ctx context.Context, imageName string, clientsToWait int, maxWait time.Duration) (Result, error) {
	if err := c.checkImage(ctx, imageName); err != nil {
		return Result{}, err
	}
	if clientsToWait <= 0 {
		return Result{}, fmt.Errorf("%w: clients to wait must be positive, got %d", ErrConfig, clientsToWait)
	}
	if maxWait <= 0 {
		maxWait = c.cfg.MulticastMaxWait
	}

	if !c.installed {
		c.logger.Printf("WARN drbl not installed, simulating multicast deployment of %s", imageName)
		return c.simulated(StatusSimulated, "DRBL not installed, deployment simulated"), nil
	}

	args := []string{
		"-b",
		"-g", "auto",
		"-e1", "auto",
		"-e2",
		"-r",
		"-j2",
		"-sc0",
		"-p", "choose",
		"-k1",
		"-icds",
		"-t", strconv.Itoa(clientsToWait),
		imageName,
	}
	out, err := c.exec(ctx, maxWait, multicastCommand, args...)
	if err != nil {
		c.logger.Printf("ERROR failed to start multicast deployment of %s: %v", imageName, err)
		return Result{}, err
	}

	c.logger.Printf("INFO multicast deployment started: %s (clients: %d)", imageName, clientsToWait)
	return Result{
		Status:    StatusStarted,
		StartedAt: c.now(),
		Message:   fmt.Sprintf("multicast session for %d clients", clientsToWait),
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
	}, nil
}

// StartUnicast images a single client identified by its MAC address.
func (c *Client) StartUnicast(ctx context.Context, imageName, targetAddress string) (Result, error) {
	if err := c.checkImage(ctx, imageName); err != nil {
		return Result{}, err
	}
	if targetAddress == "" {
		return Result{}, fmt.Errorf("%w: target address is required for unicast", ErrConfig)
	}

	if !c.installed {
		c.logger.Printf("WARN drbl not installed, simulating unicast deployment of %s to %s", imageName, targetAddress)
		return c.simulated(StatusSimulated, "DRBL not installed, deployment simulated"), nil
	}

	args := []string{
		"-b",
		"-g", "auto",
		"-e1", "auto",
		"-e2",
		"-r",
		"-j2",
		"-p", "choose",
		"-k1",
		"-icds",
		"--clients", targetAddress,
		imageName,
	}
	out, err := c.exec(ctx, c.cfg.UnicastTimeout, unicastCommand, args...)
	if err != nil {
		c.logger.Printf("ERROR failed to start unicast deployment %s -> %s: %v", imageName, targetAddress, err)
		return Result{}, err
	}

	c.logger.Printf("INFO unicast deployment started: %s -> %s", imageName, targetAddress)
	return Result{
		Status:    StatusStarted,
		StartedAt: c.now(),
		Message:   fmt.Sprintf("unicast session for %s", targetAddress),
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
	}, nil
}

// Stop terminates any running dcs/drbl-ocs processes. Finding nothing to
// kill is not an error.
func (c *Client) Stop(ctx context.Context) (Result, error) {
	if !c.installed {
		c.logger.Printf("WARN drbl not installed, stop simulated")
		return c.simulated(StatusStopped, "DRBL not installed, stop simulated"), nil
	}

	var firstErr error
	for _, pattern := range []string{multicastCommand, unicastCommand} {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
		out, err := c.runner.Run(callCtx, "pkill", "-f", pattern)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = c.commandError([]string{"pkill", "-f", pattern}, out, err)
			}
			continue
		}
		if out.ExitCode != 0 && out.ExitCode != pkillNoProcessExitCode && firstErr == nil {
			firstErr = &CommandError{Command: []string{"pkill", "-f", pattern}, ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
	}

	result := Result{Status: StatusStopped, StartedAt: c.now(), Message: "deployment processes terminated"}
	if firstErr != nil {
		c.logger.Printf("ERROR error stopping deployment: %v", firstErr)
		return result, firstErr
	}
	c.logger.Printf("INFO deployment stopped")
	return result, nil
}

// QueryStatus reports whether an imaging session is running and, if so, the
// last progress percentage found in the Clonezilla logs.
func (c *Client) QueryStatus(ctx context.Context) (StatusReport, error) {
	now := c.now()
	if !c.installed {
		return StatusReport{Simulated: true, Message: "DRBL not installed", CheckedAt: now}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	out, err := c.runner.Run(callCtx, "pgrep", "-f", processPattern)
	if err != nil {
		return StatusReport{}, c.commandError([]string{"pgrep", "-f", processPattern}, out, err)
	}
	if out.ExitCode != 0 {
		return StatusReport{Message: "No deployment in progress", CheckedAt: now}, nil
	}

	progress, err := latestProgress(c.cfg.LogDir)
	if err != nil {
		return StatusReport{}, fmt.Errorf("read clonezilla logs: %w", err)
	}
	return StatusReport{Running: true, Progress: &progress, CheckedAt: now}, nil
}

// Health reports installation details.
func (c *Client) Health() Health {
	_, err := os.Stat(c.cfg.LogDir)
	return Health{
		Installed:    c.installed,
		BinDir:       c.cfg.BinDir,
		LogDir:       c.cfg.LogDir,
		LogDirExists: err == nil,
		CheckedAt:    c.now(),
	}
}

func (c *Client) checkImage(ctx context.Context, imageName string) error {
	if imageName == "" {
		return fmt.Errorf("%w: image name is required", ErrConfig)
	}
	ok, err := c.images.Exists(ctx, imageName)
	if err != nil {
		return fmt.Errorf("look up image %q: %w", imageName, err)
	}
	if !ok {
		return fmt.Errorf("%w: image not found: %s", ErrConfig, imageName)
	}
	return nil
}

func (c *Client) exec(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error) {
	command := append([]string{name}, args...)
	path, err := c.resolve(name)
	if err != nil {
		return Output{}, &CommandError{Command: command, ExitCode: -1, Err: err}
	}

	c.logger.Printf("INFO executing command: %v", command)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := c.runner.Run(callCtx, path, args...)
	if err != nil {
		return out, c.commandError(command, out, err)
	}
	if out.ExitCode != 0 {
		return out, &CommandError{Command: command, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return out, nil
}

func (c *Client) commandError(command []string, out Output, err error) error {
	return &CommandError{
		Command:  command,
		ExitCode: out.ExitCode,
		Stderr:   out.Stderr,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}
}

// resolve prefers the configured DRBL bin directory over PATH.
func (c *Client) resolve(name string) (string, error) {
	if c.cfg.BinDir != "" {
		if path, err := c.runner.LookPath(filepath.Join(c.cfg.BinDir, name)); err == nil {
			return path, nil
		}
	}
	return c.runner.LookPath(name)
}

func (c *Client) simulated(status Status, message string) Result {
	return Result{
		Status:    status,
		Simulated: true,
		StartedAt: c.now(),
		Message:   message,
	}
}
