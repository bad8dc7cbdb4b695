package registration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeFlirt records its arguments and creates the files named by -omat and
// -out, like the real tool would
const fakeFlirt = `#!/bin/sh
echo "$@" >> "$FAKE_FLIRT_LOG"
echo "fake flirt running"
while [ $# -gt 0 ]; do
  case "$1" in
    -omat|-out) shift; : > "$1";;
  esac
  shift
done
`

// flakyTool fails until it has been called twice
const flakyTool = `#!/bin/sh
n=$(cat "$FAKE_COUNT" 2>/dev/null || echo 0)
n=$((n+1))
echo $n > "$FAKE_COUNT"
echo "attempt $n"
[ "$n" -ge 2 ]
`

// brokenTool reports a problem on stderr and fails
const brokenTool = `#!/bin/sh
echo "loading images"
echo "ERROR: could not open image foo.nii.gz" >&2
exit 1
`

// chattyTool prints a line longer than the line scanner accepts
const chattyTool = `#!/bin/sh
head -c 70000 /dev/zero | tr '\0' 'a'
echo
echo "done"
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func TestRunStreamsOutput(t *testing.T) {
	bin := writeScript(t, "flirt", fakeFlirt)
	t.Setenv("FAKE_FLIRT_LOG", filepath.Join(t.TempDir(), "calls.log"))

	logger, hook := test.NewNullLogger()
	r := &Runner{Binary: bin, Logger: logger}
	if err := r.Run(context.Background(), "-version"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "fake flirt running" {
			found = true
		}
	}
	if !found {
		t.Error("Expected command output to be logged")
	}
}

func TestRunRetries(t *testing.T) {
	bin := writeScript(t, "flaky", flakyTool)
	count := filepath.Join(t.TempDir(), "count")
	t.Setenv("FAKE_COUNT", count)

	logger, _ := test.NewNullLogger()
	single := &Runner{Binary: bin, Attempts: 1, Logger: logger}
	err := single.Run(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", cmdErr.ExitCode)
	}

	os.Remove(count)
	retrying := &Runner{Binary: bin, Attempts: 3, Logger: logger}
	if err := retrying.Run(context.Background()); err != nil {
		t.Fatalf("Expected success on the second attempt, got %v", err)
	}
	data, _ := os.ReadFile(count)
	if strings.TrimSpace(string(data)) != "2" {
		t.Errorf("Expected 2 calls, got %q", data)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	bin := writeScript(t, "flirt", brokenTool)

	logger, hook := test.NewNullLogger()
	r := &Runner{Binary: bin, Logger: logger}
	err := r.Run(context.Background(), "-in", "foo.nii.gz")

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	const diag = "ERROR: could not open image foo.nii.gz"
	if cmdErr.Stderr != diag {
		t.Errorf("Expected stderr %q, got %q", diag, cmdErr.Stderr)
	}
	if !strings.Contains(err.Error(), diag) {
		t.Errorf("Expected error message to carry stderr, got %q", err.Error())
	}

	logged := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == diag {
			logged = true
		}
	}
	if !logged {
		t.Error("Expected stderr to be logged as a warning")
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.Write([]byte("0123456789"))
	b.Write([]byte("ab"))
	if got := b.String(); got != "456789ab" {
		t.Errorf("Expected last 8 bytes, got %q", got)
	}
}

func TestRunLongOutputLine(t *testing.T) {
	bin := writeScript(t, "flirt", chattyTool)

	logger, hook := test.NewNullLogger()
	r := &Runner{Binary: bin, Logger: logger}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "Stopped reading command output") {
			warned = true
		}
	}
	if !warned {
		t.Error("Expected a warning when the output line is too long")
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "no-such-tool"))
	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		t.Errorf("Missing binary should not be reported as a command failure: %v", err)
	}
}

func TestTransformMaskToSubject(t *testing.T) {
	bin := writeScript(t, "flirt", fakeFlirt)
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_FLIRT_LOG", calls)

	logger, _ := test.NewNullLogger()
	r := &Runner{Binary: bin, Logger: logger}
	req := TransformRequest{
		Mask:     "cc.nii.gz",
		Template: "MNI152_T1_1mm.nii.gz",
		Subject:  filepath.Join(dir, "dwi.nii.gz"),
	}

	out, ran, err := r.TransformMaskToSubject(context.Background(), req)
	if err != nil {
		t.Fatalf("TransformMaskToSubject failed: %v", err)
	}
	if !ran {
		t.Error("Expected the registration to run")
	}
	if out != filepath.Join(dir, "dwi_corpus_callosum_mask.nii.gz") {
		t.Errorf("Unexpected output path %s", out)
	}

	data, err := os.ReadFile(calls)
	if err != nil {
		t.Fatalf("Failed to read call log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 calls, got %d: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "-in MNI152_T1_1mm.nii.gz -ref "+req.Subject+" -omat ") {
		t.Errorf("Unexpected estimate call %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "-in cc.nii.gz -ref "+req.Subject+" -out "+out+" -init ") ||
		!strings.HasSuffix(lines[1], "-applyxfm -interp nearestneighbour") {
		t.Errorf("Unexpected apply call %q", lines[1])
	}

	// Second run finds the output and does nothing
	_, ran, err = r.TransformMaskToSubject(context.Background(), req)
	if err != nil {
		t.Fatalf("TransformMaskToSubject failed: %v", err)
	}
	if ran {
		t.Error("Expected existing output to be reused")
	}
	data, _ = os.ReadFile(calls)
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 2 {
		t.Errorf("Expected no new calls, got %d total", n)
	}
}

func TestTransformMaskToSubjectReusesMatrix(t *testing.T) {
	bin := writeScript(t, "flirt", fakeFlirt)
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_FLIRT_LOG", calls)

	matrix := filepath.Join(dir, "mni2dwi.mat")
	if err := os.WriteFile(matrix, []byte("1 0 0 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write matrix: %v", err)
	}

	logger, _ := test.NewNullLogger()
	r := &Runner{Binary: bin, Logger: logger}
	_, _, err := r.TransformMaskToSubject(context.Background(), TransformRequest{
		Mask:    "cc.nii.gz",
		Subject: filepath.Join(dir, "dwi.nii"),
		Output:  filepath.Join(dir, "out.nii.gz"),
		Matrix:  matrix,
	})
	if err != nil {
		t.Fatalf("TransformMaskToSubject failed: %v", err)
	}

	data, _ := os.ReadFile(calls)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "-init "+matrix) {
		t.Errorf("Expected a single apply call using %s, got %q", matrix, lines)
	}
}

func TestSubjectMaskPath(t *testing.T) {
	tests := map[string]string{
		"sub01/dwi.nii.gz": "sub01/dwi_corpus_callosum_mask.nii.gz",
		"dwi.nii":          "dwi_corpus_callosum_mask.nii.gz",
		"dwi":              "dwi_corpus_callosum_mask.nii.gz",
	}
	for in, expected := range tests {
		if got := SubjectMaskPath(in); got != expected {
			t.Errorf("SubjectMaskPath(%q): expected %q, got %q", in, expected, got)
		}
	}
}
