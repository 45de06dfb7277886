package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/wrenchbot/pkg/logchannel"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

const defaultGracePeriod = 10 * time.Second

// tailSize bounds how many trailing stdout lines are kept in memory to
// scan for a result envelope once the subprocess exits.
const tailSize = 50

// descriptor is written to a temporary file the subprocess may read; it
// carries everything about the task the core is willing to hand over
// (never the prompt or model choice, which stay the subprocess's concern).
type descriptor struct {
	TaskID       string `json:"task_id"`
	Kind         string `json:"kind"`
	Stage        string `json:"stage"` // "planning" | "execution"
	RepoFullName string `json:"repo_full_name"`
	Ref          string `json:"ref"`
	PlanRef      string `json:"plan_ref,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

// runResult is what invoke reports once a subprocess has exited or been
// cancelled.
type runResult struct {
	Outcome      types.ExecutionOutcome
	Retryable    bool
	Envelope     resultEnvelope
	HadEnvelope  bool
	ExitErr      error
}

// invoke launches the collaborator subprocess for one stage of one task,
// streams its output into the log channel, refreshes the queue claim's
// visibility deadline on a heartbeat, and honors cooperative cancellation
// via cancel.
func (r *Runner) invoke(ctx context.Context, task types.Task, stage string, workDir, gitToken string, timeout time.Duration, cancel <-chan struct{}) (runResult, error) {
	descFile, err := writeDescriptor(task, stage)
	if err != nil {
		return runResult{}, fmt.Errorf("writing task descriptor: %w", err)
	}
	defer os.Remove(descFile)

	runCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	cmd := exec.Command(r.cfg.Command, "--task-file", descFile)
	cmd.Dir = workDir
	cmd.Stdin = nil // closed: the subprocess reads the task file, not stdin
	cmd.Env = append(os.Environ(), "WRENCHBOT_GIT_TOKEN="+gitToken, "WRENCHBOT_TASK_FILE="+descFile)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runResult{}, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return runResult{}, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return runResult{}, fmt.Errorf("starting subprocess: %w", err)
	}

	waitDone := make(chan struct{})
	tail := make([]string, 0, tailSize)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		lines, err := streamLines(r.log, task.ID, types.StreamStdout, stdout, r.cfg.MaxOutputLines)
		tail = appendTail(tail, lines)
		return err
	})
	g.Go(func() error {
		_, err := streamLines(r.log, task.ID, types.StreamStderr, stderr, r.cfg.MaxOutputLines)
		return err
	})

	heartbeatDone := make(chan struct{})
	go r.heartbeat(gctx, task.ID, heartbeatDone)

	go func() {
		_ = g.Wait()
		close(waitDone)
	}()

	exitErr := r.waitOrCancel(cmd, waitDone, cancel, runCtx)
	close(heartbeatDone)

	env, ok := scanForEnvelope(tail)
	res := runResult{Envelope: env, HadEnvelope: ok, ExitErr: exitErr}

	switch {
	case cancelled(cancel):
		res.Outcome = types.OutcomeCancelled
	case ok:
		if env.Outcome == "success" {
			res.Outcome = types.OutcomeSuccess
		} else {
			res.Outcome = types.OutcomeFailed
			res.Retryable = env.Retryable
		}
	case runCtx.Err() == context.DeadlineExceeded:
		res.Outcome = types.OutcomeTimeout
		res.Retryable = true
	case exitErr == nil:
		res.Outcome = types.OutcomeSuccess
	default:
		res.Outcome = types.OutcomeFailed
		res.Retryable = classifyRetryable(exitErr)
	}
	return res, nil
}

// waitOrCancel blocks until the subprocess exits, the caller requests
// cancellation, or the deadline on ctx expires — escalating through
// SIGTERM then, after the grace period, SIGKILL addressed to the whole
// process group so no orphaned child survives.
func (r *Runner) waitOrCancel(cmd *exec.Cmd, waitDone <-chan struct{}, cancel <-chan struct{}, ctx context.Context) error {
	select {
	case <-waitDone:
		return cmd.Wait()
	case <-cancel:
	case <-ctx.Done():
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	grace := time.NewTimer(defaultGracePeriod)
	defer grace.Stop()
	select {
	case <-waitDone:
	case <-grace.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitDone
	}
	return cmd.Wait()
}

func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// heartbeat refreshes the queue claim's visibility deadline every
// HeartbeatPeriod until done is closed, so a long-running subprocess does
// not lose its claim to the reaper.
func (r *Runner) heartbeat(ctx context.Context, taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.q.Extend(ctx, r.queueName, taskID); err != nil {
				r.logger.WithError(err).WithField("task_id", taskID).Warn("extending queue claim visibility")
			}
		}
	}
}

// streamLines reads lines from rd, appending each to the task's log
// channel under tag, until maxLines is reached (further lines are
// dropped but the subprocess is left running) or rd is exhausted.
func streamLines(log *logchannel.Channel, taskID string, tag types.StreamTag, rd io.Reader, maxLines int) ([]string, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := make([]string, 0, tailSize)
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if maxLines <= 0 || count < maxLines {
			if err := log.Append(context.Background(), taskID, tag, line); err != nil {
				return lines, err
			}
		}
		count++
		if tag == types.StreamStdout {
			lines = appendTail(lines, []string{line})
		}
	}
	return lines, scanner.Err()
}

func appendTail(tail, lines []string) []string {
	tail = append(tail, lines...)
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}
	return tail
}

func writeDescriptor(task types.Task, stage string) (string, error) {
	d := descriptor{
		TaskID:       task.ID,
		Kind:         string(task.Kind),
		Stage:        stage,
		RepoFullName: task.Target.RepoFullName,
		Ref:          task.Target.Ref,
		PlanRef:      task.PlanRef,
		Feedback:     task.LastError,
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "wrenchbot-task-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// classifyRetryable reports whether an exit error should be treated as a
// transient failure worth retrying rather than a fatal one. A process
// killed by a signal (including our own SIGTERM/SIGKILL escalation) is
// retryable; a clean nonzero exit is treated as the subprocess's own
// fatal verdict.
func classifyRetryable(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return true
	}
	return exitErr.ProcessState.ExitCode() == -1
}
