// Package registration drives an external affine registration tool
// (FSL flirt by default) to move atlas-space masks into a subject's
// diffusion space.
package registration

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultBinary is the registration tool looked up on PATH
const DefaultBinary = "flirt"

// CommandError reports a registration command that exited unsuccessfully
type CommandError struct {
	Args     []string
	ExitCode int

	// Stderr is the tail of the command's diagnostic output
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d: %v", strings.Join(e.Args, " "), e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner invokes the registration binary
type Runner struct {
	// Binary is the executable name or path; empty means DefaultBinary
	Binary string

	// Attempts is how many times a failing command is tried; values below
	// one mean a single attempt
	Attempts int

	// Logger receives each line the command prints; nil uses the standard
	// logrus logger
	Logger log.FieldLogger
}

// NewRunner creates a runner for binary with a single attempt
func NewRunner(binary string) *Runner {
	return &Runner{Binary: binary, Attempts: 1}
}

func (r *Runner) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func (r *Runner) logger() log.FieldLogger {
	if r.Logger == nil {
		return log.StandardLogger()
	}
	return r.Logger
}

// Run executes the binary with args, streaming its stdout to the logger
// line by line. A failing command is retried up to Attempts times unless
// ctx is done.
func (r *Runner) Run(ctx context.Context, args ...string) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = r.runOnce(ctx, args); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			// Start failures (missing binary) will not improve on retry
			return err
		}
		r.logger().WithFields(log.Fields{
			"attempt": attempt,
			"of":      attempts,
		}).Warnf("Registration command failed: %v", err)
	}
	return err
}

func (r *Runner) runOnce(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to %s output: %w", r.binary(), err)
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	logger := r.logger().WithField("cmd", r.binary())
	logger.Debugf("Running %s %s", r.binary(), strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.binary(), err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("Stopped reading command output: %v", err)
	}
	// Drain whatever the scanner left so Wait does not block
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	diag := stderr.String()
	if diag != "" {
		logger.WithField("stream", "stderr").Warn(diag)
	}
	if err != nil {
		full := append([]string{r.binary()}, args...)
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &CommandError{Args: full, ExitCode: code, Stderr: diag, Err: err}
	}
	return nil
}

// stderrLimit bounds how much diagnostic output is kept per command
const stderrLimit = 8 << 10

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}

// EstimateAffine registers moving onto reference and writes the 4x4
// transform to omat
func (r *Runner) EstimateAffine(ctx context.Context, moving, reference, omat string) error {
	return r.Run(ctx, "-in", moving, "-ref", reference, "-omat", omat)
}

// ApplyAffine resamples mask onto the reference grid with an existing
// transform. Nearest-neighbour interpolation keeps the output binary.
func (r *Runner) ApplyAffine(ctx context.Context, mask, reference, out, omat string) error {
	return r.Run(ctx,
		"-in", mask,
		"-ref", reference,
		"-out", out,
		"-init", omat,
		"-applyxfm", "-interp", "nearestneighbour",
	)
}

// TransformRequest describes moving an atlas-space mask into subject space
type TransformRequest struct {
	// Mask is the atlas-space mask to transform
	Mask string

	// Template is the atlas-space anatomical image registered to the subject
	Template string

	// Subject is the subject's image that defines the target grid
	Subject string

	// Output is the transformed mask path; empty derives it from Subject
	Output string

	// Matrix, when set, is where the estimated transform is kept. An
	// existing file is reused instead of estimating again.
	Matrix string
}

// SubjectMaskPath derives the default output path for a mask moved into
// the space of subject
func SubjectMaskPath(subject string) string {
	stem := subject
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(stem, ext) {
			stem = strings.TrimSuffix(stem, ext)
			break
		}
	}
	return stem + "_corpus_callosum_mask.nii.gz"
}

// TransformMaskToSubject estimates the template-to-subject transform and
// applies it to the mask. Nothing is done when the output already exists.
// It returns the output path and whether any work was done.
func (r *Runner) TransformMaskToSubject(ctx context.Context, req TransformRequest) (string, bool, error) {
	out := req.Output
	if out == "" {
		out = SubjectMaskPath(req.Subject)
	}
	if _, err := os.Stat(out); err == nil {
		r.logger().WithField("path", out).Info("Subject mask already exists, skipping registration")
		return out, false, nil
	}

	omat := req.Matrix
	if omat == "" {
		f, err := os.CreateTemp("", "ccefficiency-*.mat")
		if err != nil {
			return "", false, fmt.Errorf("failed to create matrix file: %w", err)
		}
		omat = f.Name()
		f.Close()
		defer os.Remove(omat)
		if err := r.EstimateAffine(ctx, req.Template, req.Subject, omat); err != nil {
			return "", false, fmt.Errorf("failed to estimate affine: %w", err)
		}
	} else if _, err := os.Stat(omat); err != nil {
		if err := r.EstimateAffine(ctx, req.Template, req.Subject, omat); err != nil {
			return "", false, fmt.Errorf("failed to estimate affine: %w", err)
		}
	}

	if err := r.ApplyAffine(ctx, req.Mask, req.Subject, out, omat); err != nil {
		return "", false, fmt.Errorf("failed to apply affine: %w", err)
	}
	return out, true, nil
}
