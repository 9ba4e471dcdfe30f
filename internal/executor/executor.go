// Package executor runs test processes. The orchestration core only sees
// the runner.Executor contract; this implementation shells out to a
// configured test command, one process per attempt.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/runner"
)

// CommandExecutor invokes an external test command for each test, e.g.
// ["npx", "playwright", "test"]. The test ID is appended as the final
// argument and exported as KESTREL_TEST_ID. Combined output is captured
// into a log artifact under ArtifactDir.
type CommandExecutor struct {
	Command     []string
	WorkDir     string
	ArtifactDir string

	// DefaultTimeout applies when the test metadata carries none.
	DefaultTimeout time.Duration

	clock func() time.Time
}

func NewCommandExecutor(command []string, workDir, artifactDir string) *CommandExecutor {
	return &CommandExecutor{
		Command:        command,
		WorkDir:        workDir,
		ArtifactDir:    artifactDir,
		DefaultTimeout: 10 * time.Minute,
		clock:          time.Now,
	}
}

// Execute runs the test command once. A non-zero exit is a test verdict
// (Result with status failed), not an error; errors are reserved for
// attempts that produced no verdict at all.
func (e *CommandExecutor) Execute(ctx context.Context, test domain.TestMetadata) (runner.Result, error) {
	if len(e.Command) == 0 {
		return runner.Result{}, fmt.Errorf("executor: no test command configured")
	}

	timeout := test.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.Command[1:]...), test.ID)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(),
		"KESTREL_TEST_ID="+test.ID,
		"KESTREL_JOURNEY="+test.Journey,
	)

	started := e.clock()
	output, runErr := cmd.CombinedOutput()
	duration := e.clock().Sub(started)

	if ctx.Err() == context.DeadlineExceeded {
		return runner.Result{}, fmt.Errorf("executor: test %s timed out after %s: %w", test.ID, timeout, ctx.Err())
	}

	result := runner.Result{
		Status:   domain.CheckpointStatusPassed,
		Duration: duration,
	}

	if art, err := e.writeLog(test.ID, output); err == nil {
		result.Artifacts = append(result.Artifacts, art)
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			// Command never ran (missing binary, fork failure).
			return runner.Result{}, fmt.Errorf("executor: run %s: %w", test.ID, runErr)
		}
		result.Status = domain.CheckpointStatusFailed
		result.FailureMessage = runErr.Error()
	}

	return result, nil
}

// writeLog captures combined output as a log artifact. Best-effort: a
// failed write drops the artifact, never the verdict.
func (e *CommandExecutor) writeLog(testID string, output []byte) (domain.Artifact, error) {
	if e.ArtifactDir == "" {
		return domain.Artifact{}, fmt.Errorf("no artifact dir")
	}
	if err := os.MkdirAll(e.ArtifactDir, 0o755); err != nil {
		return domain.Artifact{}, err
	}
	now := e.clock()
	path := filepath.Join(e.ArtifactDir, fmt.Sprintf("%s-%d.log", testID, now.UnixMilli()))
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return domain.Artifact{}, err
	}
	return domain.NewArtifact(domain.ArtifactKindLog, path, now)
}
