package invoker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"storyloop/pkg/logx"
)

// Tool permission profiles accepted by -allow-profile.
const (
	ProfileSafe   = "safe"
	ProfileDev    = "dev"
	ProfileLocked = "locked"
	ProfileYolo   = "yolo"
)

// alwaysDenied tools are appended to every invocation regardless of
// profile. The loop owns commits and pushes nothing.
var alwaysDenied = []string{"shell(rm)", "shell(git push)"}

// ExpandProfile translates a named permission profile into agent CLI
// flags. An empty profile expands to nothing.
func ExpandProfile(profile string) ([]string, error) {
	switch profile {
	case "":
		return nil, nil
	case ProfileDev:
		return []string{
			"--allow-all-tools",
			"--allow-tool", "write",
			"--allow-tool", "shell(pnpm:*)",
			"--allow-tool", "shell(git:*)",
		}, nil
	case ProfileSafe:
		return []string{
			"--allow-tool", "write",
			"--allow-tool", "shell(pnpm:*)",
			"--allow-tool", "shell(git:*)",
		}, nil
	case ProfileLocked:
		return []string{"--allow-tool", "write"}, nil
	case ProfileYolo:
		return []string{"--yolo"}, nil
	default:
		return nil, fmt.Errorf("unknown allow profile %q (want safe, dev, locked, or yolo)", profile)
	}
}

// ToolArgs builds the permission flag set for one invocation: model,
// always-denied tools, profile expansion, then verbatim pass-through.
func ToolArgs(model, profile string, allowTools, denyTools []string) ([]string, error) {
	args := []string{"--model", model}
	for _, tool := range alwaysDenied {
		args = append(args, "--deny-tool", tool)
	}

	profileArgs, err := ExpandProfile(profile)
	if err != nil {
		return nil, err
	}
	args = append(args, profileArgs...)

	for _, tool := range allowTools {
		args = append(args, "--allow-tool", tool)
	}
	for _, tool := range denyTools {
		args = append(args, "--deny-tool", tool)
	}
	return args, nil
}

// ProcessInvoker runs an agent CLI binary in programmatic (non
// interactive) mode, streaming combined output to the terminal while
// accumulating it as the transcript.
type ProcessInvoker struct {
	bin       string
	workDir   string
	extraArgs []string
	timeout   time.Duration
	stream    io.Writer
	logger    *logx.Logger
}

// NewProcessInvoker creates a process-backed invoker. extraArgs are
// appended after the fixed programmatic-mode flags, typically the output
// of ToolArgs. A zero timeout means no per-invocation deadline.
func NewProcessInvoker(bin, workDir string, extraArgs []string, timeout time.Duration) *ProcessInvoker {
	return &ProcessInvoker{
		bin:       bin,
		workDir:   workDir,
		extraArgs: extraArgs,
		timeout:   timeout,
		stream:    os.Stdout,
		logger:    logx.NewLogger("invoker"),
	}
}

// SetStream redirects live agent output, used by tests.
func (p *ProcessInvoker) SetStream(w io.Writer) {
	p.stream = w
}

func (p *ProcessInvoker) Name() string { return BackendProcess }

// Invoke spawns the agent binary with the instruction and returns the
// combined stdout+stderr transcript. A missing binary or nonzero exit is
// encoded in the transcript as an "[ERROR]" line, not returned as an
// error, so the controller can log it and move on.
func (p *ProcessInvoker) Invoke(ctx context.Context, instruction string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := []string{
		"--add-dir", p.workDir,
		"--no-color",
		"--stream", "off",
		"--silent",
		"--no-ask-user",
		"-p", instruction,
	}
	args = append(args, p.extraArgs...)

	cmd := osexec.CommandContext(ctx, p.bin, args...)
	cmd.Dir = p.workDir
	// Bound Wait even if a killed agent leaked the output pipe to a
	// grandchild process.
	cmd.WaitDelay = 10 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	// Prefix live lines only when stdout is a terminal; in pipelines the
	// transcript stays clean.
	prefix := ""
	if term.IsTerminal(int(syscall.Stdout)) {
		prefix = fmt.Sprintf("[%s] ", p.bin)
	}

	var transcript strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		// bufio.Reader rather than Scanner: agent output lines have no
		// length bound, and a reader that stops before EOF would block the
		// pipe writer and wedge cmd.Wait forever.
		reader := bufio.NewReaderSize(pr, 64*1024)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				line = strings.TrimSuffix(line, "\n")
				transcript.WriteString(line)
				transcript.WriteByte('\n')
				fmt.Fprintf(p.stream, "%s%s\n", prefix, line)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					transcript.WriteString(fmt.Sprintf("[ERROR] reading agent output: %v\n", err))
					_, _ = io.Copy(io.Discard, pr) // keep the pipe drained so Wait can return
				}
				return
			}
		}
	}()

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		pw.Close()
		<-done
		if errors.Is(err, osexec.ErrNotFound) || os.IsNotExist(err) {
			return fmt.Sprintf("[ERROR] agent binary not found: %s", p.bin), nil
		}
		return "", fmt.Errorf("failed to start agent %s: %w", p.bin, err)
	}

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	out := strings.TrimSpace(transcript.String())
	p.logger.Debug("agent run finished in %s", time.Since(start).Round(time.Millisecond))

	if waitErr != nil {
		rc := -1
		var exitErr *osexec.ExitError
		if errors.As(waitErr, &exitErr) {
			rc = exitErr.ExitCode()
		}
		out = strings.TrimSpace(out + fmt.Sprintf("\n\n[ERROR] %s exited with %d", p.bin, rc))
	}
	return out, nil
}
