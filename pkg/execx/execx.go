// Package execx runs external storage CLI tools and captures their
// output. Every vendor wrapper in this repository takes an Executor so
// that tests can substitute canned command output.
package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "execx")

// SetLogger configures the entry used for command logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

// Executor runs a command and returns its stdout. A non-zero exit
// status is returned as a *CommandError carrying the exit code and
// trimmed stderr so that callers can pattern-match tool diagnostics.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
}

// CommandError is returned when a command exits non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return e.Cmd + ": exit status " + strconv.Itoa(e.ExitCode)
}

// ExitCode returns the command exit code carried by err, or -1 if err
// was not produced by a command exiting non-zero.
func ExitCode(err error) int {
	if cerr, ok := err.(*CommandError); ok {
		return cerr.ExitCode
	}
	return -1
}

type commandExecutor struct {
	rootWrap []string
}

// New returns the default Executor. The optional rootWrap arguments
// are prepended to every invocation (for example "sudo", or a
// privsep helper).
func New(rootWrap ...string) Executor {
	return &commandExecutor{rootWrap: rootWrap}
}

func (e *commandExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	argv := append([]string{}, e.rootWrap...)
	argv = append(argv, name)
	argv = append(argv, args...)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	c.Stdout = stdout
	c.Stderr = stderr
	start := time.Now()
	err := c.Run()
	log.WithFields(logrus.Fields{
		"cmd":      strings.Join(argv, " "),
		"duration": time.Since(start),
	}).Debug("executed command")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := -1
		if xerr, ok := err.(*exec.ExitError); ok {
			code = xerr.ExitCode()
		}
		cerr := &CommandError{
			Cmd:      strings.Join(argv, " "),
			ExitCode: code,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
		log.WithFields(logrus.Fields{
			"cmd":    cerr.Cmd,
			"code":   cerr.ExitCode,
			"stderr": cerr.Stderr,
		}).Debug("command failed")
		return stdout.Bytes(), cerr
	}
	return stdout.Bytes(), nil
}

func (e *commandExecutor) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.Execute(ctx, name, args...)
}
