// internal/launcher/launcher.go

// Package launcher starts the browser process, discovers its remote
// debugging endpoint, and assembles the full session: transport, event loop,
// task queue, page factory, and target registry. Session.Close tears all of
// it down in reverse order and gives the process a grace period before
// killing it.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/mstoykov/k6-taskqueue-lib/taskqueue"
	"go.uber.org/zap"

	"github.com/xkilldash9x/foxhound-cli/internal/config"
	"github.com/xkilldash9x/foxhound-cli/internal/eventloop"
	"github.com/xkilldash9x/foxhound-cli/internal/juggler"
	"github.com/xkilldash9x/foxhound-cli/internal/lifecycle"
	"github.com/xkilldash9x/foxhound-cli/internal/page"
)

// Launcher spawns browser processes per the supplied configuration.
type Launcher struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New returns a launcher.
func New(cfg *config.Config, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("launcher")}
}

// Session is one running browser with its full control stack attached.
type Session struct {
	Browser *lifecycle.Browser

	conn   *juggler.Connection
	loop   *eventloop.Loop
	queue  *taskqueue.TaskQueue
	cmd    *exec.Cmd
	grace  time.Duration
	logger *zap.Logger
}

// Launch starts the browser process, waits for its debugging endpoint, dials
// it, and wires up the registry. On any failure the process is killed and
// nothing leaks.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	args := l.buildArgs()
	cmd := exec.Command(l.cfg.Browser.ExecutablePath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open browser stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start browser process: %w", err)
	}
	l.logger.Info("Browser process started.",
		zap.String("executable", l.cfg.Browser.ExecutablePath), zap.Int("pid", cmd.Process.Pid))

	endpoint, err := l.awaitEndpoint(ctx, stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	l.logger.Debug("Discovered debugging endpoint.", zap.String("endpoint", endpoint))

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.Protocol.DialTimeout)
	conn, err := juggler.Dial(dialCtx, endpoint, l.logger)
	cancel()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	loop := eventloop.New(l.logger)
	tq := taskqueue.New(loop.RegisterCallback)

	s := &Session{
		conn:   conn,
		loop:   loop,
		queue:  tq,
		cmd:    cmd,
		grace:  l.cfg.Protocol.ShutdownGrace,
		logger: l.logger,
	}

	factory := page.NewFactory(conn, l.logger)
	browser, err := lifecycle.NewBrowser(ctx, conn, factory, l.logger,
		lifecycle.WithTaskQueue(tq),
		lifecycle.WithDefaultWaitTimeout(l.cfg.Protocol.WaitTimeout),
		lifecycle.WithCloseCallback(s.teardown),
	)
	if err != nil {
		s.stopTransport()
		s.stopProcess()
		return nil, err
	}

	s.Browser = browser
	return s, nil
}

func (l *Launcher) buildArgs() []string {
	args := []string{"-juggler-pipe", "-no-remote", "-profile", l.cfg.Browser.ProfileDir}
	if l.cfg.Browser.Headless {
		args = append(args, "-headless")
	}
	args = append(args, l.cfg.Browser.Args...)
	return args
}

// awaitEndpoint scans process output for the endpoint announcement, bounded
// by the launch timeout. The scan keeps draining output afterwards so the
// process never blocks on a full pipe.
func (l *Launcher) awaitEndpoint(ctx context.Context, stdout io.Reader) (string, error) {
	type scanResult struct {
		endpoint string
		err      error
	}
	found := make(chan scanResult, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		announced := false
		for scanner.Scan() {
			line := scanner.Text()
			if announced {
				continue
			}
			if endpoint, ok := parseEndpoint(line); ok {
				announced = true
				found <- scanResult{endpoint: endpoint, err: validateEndpoint(endpoint)}
			}
		}
		if !announced {
			err := scanner.Err()
			if err == nil {
				err = fmt.Errorf("browser exited before announcing its endpoint")
			}
			found <- scanResult{err: err}
		}
	}()

	timer := time.NewTimer(l.cfg.Protocol.LaunchTimeout)
	defer timer.Stop()

	select {
	case res := <-found:
		if res.err != nil {
			return "", fmt.Errorf("failed to discover debugging endpoint: %w", res.err)
		}
		return res.endpoint, nil
	case <-timer.C:
		return "", fmt.Errorf("timed out after %s waiting for the browser endpoint", l.cfg.Protocol.LaunchTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close shuts the session down through the registry, which funnels into
// teardown exactly once.
func (s *Session) Close(ctx context.Context) error {
	return s.Browser.Close(ctx)
}

// teardown is the browser's close callback: stop accepting work, close the
// transport, then terminate the process with a grace period.
func (s *Session) teardown(ctx context.Context) error {
	s.stopTransport()
	return s.stopProcess()
}

func (s *Session) stopTransport() {
	if s.queue != nil {
		s.queue.Close()
	}
	if s.loop != nil {
		s.loop.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// stopProcess asks the process group to exit and escalates to SIGKILL after
// the grace period.
func (s *Session) stopProcess() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			// A killed browser reports a non-zero exit; that is expected.
			s.logger.Debug("Browser process exited.", zap.Error(err))
		}
		return nil
	case <-timer.C:
		s.logger.Warn("Browser process ignored the termination request; killing it.",
			zap.Int("pid", s.cmd.Process.Pid))
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil
	}
}
