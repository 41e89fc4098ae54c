// Package supervisor starts and restarts the sibling services the
// orchestrator depends on (sync relay, auth service, compute manager, …).
// Each service is health-gated: an already-healthy external instance is
// never double-started, and crashed children restart with exponential
// backoff.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	healthTimeout  = 2 * time.Second
	readyCeiling   = 30 * time.Second
	readyInterval  = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	stopGrace      = 5 * time.Second
	healthyResetAt = 3 // clean health checks before the restart counter resets
)

// Service describes one supervised sibling.
type Service struct {
	Name      string
	Command   []string // argv; empty means external-only (never spawned)
	Dir       string
	Env       []string // appended to os.Environ()
	HealthURL string
}

// State is the reportable status of one service.
type State struct {
	Name     string     `json:"name"`
	Running  bool       `json:"running"`
	Healthy  bool       `json:"healthy"`
	External bool       `json:"external"` // healthy instance we did not spawn
	Restarts int        `json:"restarts"`
	PID      int        `json:"pid,omitempty"`
	LastExit *time.Time `json:"last_exit,omitempty"`
}

type child struct {
	svc      Service
	mu       sync.Mutex
	cmd      *exec.Cmd
	external bool
	restarts int
	healthOK int
	lastExit *time.Time
	stopped  bool
}

// Supervisor owns a fixed set of services for the process lifetime.
type Supervisor struct {
	log      *zap.Logger
	client   *http.Client
	children []*child
	wg       sync.WaitGroup
}

func New(log *zap.Logger, services []Service) *Supervisor {
	s := &Supervisor{
		log:    log.Named("supervisor"),
		client: &http.Client{Timeout: healthTimeout},
	}
	for _, svc := range services {
		s.children = append(s.children, &child{svc: svc})
	}
	return s
}

// Start brings every service up and gates on health. Partial failure is
// non-fatal; the returned slice names the services that never became healthy.
func (s *Supervisor) Start(ctx context.Context) []string {
	var failed []string
	for _, c := range s.children {
		if s.healthy(ctx, c.svc) {
			c.mu.Lock()
			c.external = true
			c.mu.Unlock()
			s.log.Info("service already healthy, not spawning", zap.String("service", c.svc.Name))
			continue
		}
		if len(c.svc.Command) == 0 {
			s.log.Warn("external service not healthy", zap.String("service", c.svc.Name))
			failed = append(failed, c.svc.Name)
			continue
		}
		if err := s.spawn(ctx, c); err != nil {
			s.log.Error("failed to start service", zap.String("service", c.svc.Name), zap.Error(err))
			failed = append(failed, c.svc.Name)
			continue
		}
		if !s.awaitHealthy(ctx, c.svc) {
			s.log.Warn("service did not become healthy in time", zap.String("service", c.svc.Name))
			failed = append(failed, c.svc.Name)
		}
	}
	return failed
}

// spawn starts the child and the goroutine that restarts it on exit.
func (s *Supervisor) spawn(ctx context.Context, c *child) error {
	cmd := exec.Command(c.svc.Command[0], c.svc.Command[1:]...)
	cmd.Dir = c.svc.Dir
	cmd.Env = append(os.Environ(), c.svc.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.svc.Name, err)
	}

	go s.streamOutput(c.svc.Name, stdout)
	go s.streamOutput(c.svc.Name, stderr)

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	s.log.Info("service started", zap.String("service", c.svc.Name), zap.Int("pid", cmd.Process.Pid))

	s.wg.Add(1)
	go s.watch(ctx, c, cmd)
	return nil
}

// watch waits for the child to exit and schedules the backoff restart.
func (s *Supervisor) watch(ctx context.Context, c *child, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()

	now := time.Now()
	c.mu.Lock()
	c.lastExit = &now
	c.cmd = nil
	stopped := c.stopped
	c.restarts++
	n := c.restarts
	c.mu.Unlock()

	if stopped || ctx.Err() != nil {
		return
	}

	backoff := backoffFor(n)
	s.log.Warn("service exited, restarting",
		zap.String("service", c.svc.Name),
		zap.Error(err),
		zap.Int("restart", n),
		zap.Duration("backoff", backoff))

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}
	if err := s.spawn(ctx, c); err != nil {
		s.log.Error("restart failed", zap.String("service", c.svc.Name), zap.Error(err))
	}
}

// backoffFor is min(2^(n-1) s, 30 s).
func backoffFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 6 {
		return maxBackoff
	}
	d := time.Duration(1<<(n-1)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Supervisor) streamOutput(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Info("["+name+"] " + scanner.Text())
	}
}

func (s *Supervisor) healthy(ctx context.Context, svc Service) bool {
	if svc.HealthURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) awaitHealthy(ctx context.Context, svc Service) bool {
	deadline := time.Now().Add(readyCeiling)
	for time.Now().Before(deadline) {
		if s.healthy(ctx, svc) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyInterval):
		}
	}
	return false
}

// CheckHealth probes every service once and resets the restart counter of
// children that stay healthy. Driven by the interval scheduler.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	for _, c := range s.children {
		ok := s.healthy(ctx, c.svc)
		c.mu.Lock()
		if ok {
			c.healthOK++
			if c.healthOK >= healthyResetAt {
				c.restarts = 0
			}
		} else {
			c.healthOK = 0
		}
		c.mu.Unlock()
	}
}

// States reports the current status of every service.
func (s *Supervisor) States(ctx context.Context) []State {
	states := make([]State, 0, len(s.children))
	for _, c := range s.children {
		c.mu.Lock()
		st := State{
			Name:     c.svc.Name,
			Running:  c.cmd != nil || c.external,
			External: c.external,
			Restarts: c.restarts,
			LastExit: c.lastExit,
		}
		if c.cmd != nil && c.cmd.Process != nil {
			st.PID = c.cmd.Process.Pid
		}
		c.mu.Unlock()
		st.Healthy = s.healthy(ctx, c.svc)
		states = append(states, st)
	}
	return states
}

// StopAll terminates every spawned child: SIGTERM, 5 s grace, then SIGKILL.
// External instances are left alone.
func (s *Supervisor) StopAll() {
	for _, c := range s.children {
		c.mu.Lock()
		c.stopped = true
		cmd := c.cmd
		c.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn("failed to signal service", zap.String("service", c.svc.Name), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		for _, c := range s.children {
			c.mu.Lock()
			cmd := c.cmd
			c.mu.Unlock()
			if cmd != nil && cmd.Process != nil {
				s.log.Warn("service force killed", zap.String("service", c.svc.Name))
				_ = cmd.Process.Kill()
			}
		}
	}
}
