package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/bruci/internal/report"
	"pkt.systems/pslog"
)

// runExternalHook runs cmd with BRUCI_* variables describing the descriptor.
// Output lines are logged; a non-zero exit is returned as an error.
func runExternalHook(ctx context.Context, phase string, cmd []string, info HookInfo, res *report.RunResult, logger pslog.Base) error {
	if len(cmd) == 0 {
		return nil
	}
	command := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	command.Env = append(os.Environ(), hookEnv(phase, info, res)...)

	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s-hook: %w", phase, err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s-hook: %w", phase, err)
	}
	if err := command.Start(); err != nil {
		return fmt.Errorf("%s-hook start: %w", phase, err)
	}

	var wg sync.WaitGroup
	logStream := func(stream string, rdr io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rdr)
		for scanner.Scan() {
			if logger != nil {
				logger.Info("hook", "phase", phase, "cmd", cmd[0], "stream", stream, "line", scanner.Text())
			}
		}
	}
	wg.Add(2)
	go logStream("stdout", stdout)
	go logStream("stderr", stderr)
	wg.Wait()

	if err := command.Wait(); err != nil {
		return fmt.Errorf("%s-hook failed: %w", phase, err)
	}
	return nil
}

func hookEnv(phase string, info HookInfo, res *report.RunResult) []string {
	vals := []string{
		"BRUCI_HOOK_PHASE=" + phase,
		"BRUCI_FILE=" + info.Path,
		"BRUCI_NAME=" + info.Name,
		"BRUCI_SEQ=" + strconv.FormatFloat(info.Seq, 'f', -1, 64),
		"BRUCI_METHOD=" + info.Method,
		"BRUCI_URL=" + info.URL,
		"BRUCI_TAGS=" + strings.Join(info.Tags, ","),
		"BRUCI_ITERATION=" + strconv.Itoa(info.Iteration),
		"BRUCI_ENVIRONMENT=" + info.Environment,
	}
	if res != nil {
		status := 0
		if res.Response != nil {
			status = res.Response.Status
		}
		failed := 0
		for _, a := range res.Assertions {
			if !a.Passed {
				failed++
			}
		}
		vals = append(vals,
			"BRUCI_STATUS="+strconv.Itoa(status),
			"BRUCI_OUTCOME="+string(res.Outcome),
			"BRUCI_FAILED_COUNT="+strconv.Itoa(failed),
			"BRUCI_DURATION_MS="+strconv.FormatInt(res.Duration.Milliseconds(), 10),
		)
	}
	return vals
}
