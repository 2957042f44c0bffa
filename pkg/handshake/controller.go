// Package handshake drives a spawned `idgate auth` process: it captures the
// console URL the process prints, completes the browser side with a
// webdriver and waits for the success line.
package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ideamans/idgate/pkg/cliauth"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/ideamans/idgate/pkg/webdriver"
)

// State is a step of the handshake.
type State int

const (
	StateIdle State = iota
	StateSpawned
	StateAwaitingURL
	StateURLEmitted
	StateAwaitingResult
	StateSucceeded
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawned:
		return "spawned"
	case StateAwaitingURL:
		return "awaiting_url"
	case StateURLEmitted:
		return "url_emitted"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrMissingEnv   = errors.New("handshake: api URL, console URL and config path are required")
	ErrSpawn        = errors.New("handshake: failed to start process")
	ErrNoConsoleURL = errors.New("handshake: console URL not found in output")
	ErrStreamClosed = errors.New("handshake: output ended before sign-in completed")
	ErrDriver       = errors.New("handshake: browser step failed")
	ErrNoResult     = errors.New("handshake: no success line within the result wait")
	ErrAlreadyRun   = errors.New("handshake: controller already ran")
)

// Config describes the process to drive.
type Config struct {
	Command string
	Args    []string

	// Passed to the child as IDGATE_API_URL, IDGATE_CONSOLE_URL and IDGATE_CONFIG_PATH.
	APIURL     string
	ConsoleURL string
	ConfigPath string

	// Env is appended to the current environment.
	Env []string

	Driver webdriver.Driver

	// URL capture: defaults 10 attempts, 100ms backoff capped at 2s, 2s per line.
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	LineWait time.Duration

	// ResultWait bounds the wait for the success line once the URL is
	// handed to the driver. Default 2m.
	ResultWait time.Duration

	Logger logging.Logger
}

func (c *Config) applyDefaults() {
	if c.Attempts == 0 {
		c.Attempts = 10
	}
	if c.Delay <= 0 {
		c.Delay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.LineWait <= 0 {
		c.LineWait = 2 * time.Second
	}
	if c.ResultWait <= 0 {
		c.ResultWait = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.NewSimpleLoggerWithWriter("handshake", logging.LevelError, false, io.Discard)
	}
}

// Result is the outcome of Run.
type Result struct {
	State      State
	ConsoleURL string
	Lines      []string
}

// Controller runs one handshake. It owns the config file at ConfigPath and
// removes it on Close.
type Controller struct {
	cfg     Config
	pattern *regexp.Regexp
	queue   *lineQueue
	logger  logging.Logger

	mu          sync.Mutex
	state       State
	transitions []State
	consoleURL  string
	ran         bool
	closed      bool
	stop        context.CancelFunc

	cmd        *exec.Cmd
	stderr     io.ReadCloser
	readerDone chan struct{}
	driverDone chan struct{}
	closeOnce  sync.Once
}

// New validates cfg and creates an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.APIURL == "" || cfg.ConsoleURL == "" || cfg.ConfigPath == "" {
		return nil, ErrMissingEnv
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: no command", ErrSpawn)
	}
	if cfg.Driver == nil {
		return nil, errors.New("handshake: a webdriver is required")
	}
	cfg.applyDefaults()
	return &Controller{
		cfg:         cfg,
		pattern:     regexp.MustCompile(regexp.QuoteMeta(strings.TrimSuffix(cfg.ConsoleURL, "/")) + `\S*`),
		queue:       newLineQueue(),
		logger:      cfg.Logger.WithModule("handshake"),
		state:       StateIdle,
		transitions: []State{StateIdle},
	}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.transitions = append(c.transitions, s)
	c.mu.Unlock()
	c.logger.Debug("State changed", "state", s.String())
}

func (c *Controller) result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Result{State: c.state, ConsoleURL: c.consoleURL, Lines: c.queue.lines()}
}

// finish moves to Aborted when ctx ended, otherwise to Failed.
func (c *Controller) finish(ctx context.Context, err error) (*Result, error) {
	if ctx.Err() != nil {
		c.setState(StateAborted)
		return c.result(), ctx.Err()
	}
	c.setState(StateFailed)
	return c.result(), err
}

// Run spawns the process and drives it to a terminal state. It can be
// called once; call Close afterwards in every case.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	c.ran = true
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	c.stop = stop
	if c.closed {
		stop()
	}
	c.mu.Unlock()

	if err := c.spawn(ctx); err != nil {
		if ctx.Err() != nil {
			c.setState(StateAborted)
			return c.result(), ctx.Err()
		}
		c.setState(StateFailed)
		return c.result(), err
	}
	c.setState(StateSpawned)

	go c.read(c.stderr, c.readerDone)
	c.setState(StateAwaitingURL)

	consoleURL, err := c.awaitURL(ctx)
	if err != nil {
		return c.finish(ctx, err)
	}
	c.mu.Lock()
	c.consoleURL = consoleURL
	c.mu.Unlock()
	c.setState(StateURLEmitted)
	c.logger.Info("Console URL captured", "url", consoleURL)

	driverCtx, cancelDriver := context.WithCancelCause(ctx)
	defer cancelDriver(nil)
	driverDone := make(chan struct{})
	c.mu.Lock()
	c.driverDone = driverDone
	c.mu.Unlock()
	go func() {
		defer close(driverDone)
		if err := c.cfg.Driver.Complete(driverCtx, consoleURL); err != nil {
			cancelDriver(fmt.Errorf("%w: %v", ErrDriver, err))
		}
	}()
	c.setState(StateAwaitingResult)

	resultCtx, cancelResult := context.WithTimeoutCause(driverCtx, c.cfg.ResultWait, ErrNoResult)
	defer cancelResult()
	for {
		line, err := c.queue.next(resultCtx, 0)
		if err != nil {
			cause := context.Cause(resultCtx)
			cancelDriver(nil)
			<-driverDone
			if errors.Is(cause, ErrDriver) || errors.Is(cause, ErrNoResult) {
				c.setState(StateFailed)
				return c.result(), cause
			}
			return c.finish(ctx, err)
		}
		if strings.Contains(line, cliauth.SuccessMarker) {
			cancelDriver(nil)
			<-driverDone
			c.setState(StateSucceeded)
			return c.result(), nil
		}
	}
}

func (c *Controller) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		cliauth.EnvAPIURL+"="+c.cfg.APIURL,
		cliauth.EnvConsoleURL+"="+c.cfg.ConsoleURL,
		cliauth.EnvConfigPath+"="+c.cfg.ConfigPath,
		"NO_COLOR=1",
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.stderr = stderr
	c.readerDone = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// read drains stderr into the queue until EOF.
func (c *Controller) read(stderr io.Reader, done chan struct{}) {
	defer close(done)
	defer c.queue.close()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("Child output", "line", line)
		c.queue.push(line)
	}
}

// awaitURL pulls lines until one contains the console URL.
func (c *Controller) awaitURL(ctx context.Context) (string, error) {
	var found string
	err := retry.Do(
		func() error {
			line, err := c.queue.next(ctx, c.cfg.LineWait)
			if err != nil {
				if errors.Is(err, ErrStreamClosed) || ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if m := c.pattern.FindString(line); m != "" {
				found = m
				return nil
			}
			return fmt.Errorf("no console URL in %q", line)
		},
		retry.Attempts(c.cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.Delay),
		retry.MaxDelay(c.cfg.MaxDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrNoConsoleURL, err)
	}
	return found, nil
}

// Close aborts a running handshake, kills the process, waits for it and
// removes the config file. It is safe to call more than once and errors are
// not reported.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stop := c.stop
		cmd, readerDone, driverDone := c.cmd, c.readerDone, c.driverDone
		c.mu.Unlock()

		if stop != nil {
			stop()
		}
		if cmd != nil {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.logger.Debug("Kill failed", "error", err)
			}
			<-readerDone
			_ = cmd.Wait()
		}
		if driverDone != nil {
			<-driverDone
		}
		if err := os.Remove(c.cfg.ConfigPath); err != nil {
			c.logger.Debug("Config cleanup", "error", err)
		}
	})
	return nil
}
