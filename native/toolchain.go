package native

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Toolchain abstracts the external ahead-of-time build step so the
// build edge is substitutable in tests.
type Toolchain interface {
	// Name identifies the toolchain in build descriptors.
	Name() string
	// Build compiles the module in dir into ArtifactName inside dir.
	Build(ctx context.Context, dir string) error
}

// GoToolchain builds the generated module with `go build -buildmode=plugin`
// as a subprocess. The caller blocks for the full build.
type GoToolchain struct {
	// GoBinary overrides the go executable. Empty means "go" from PATH.
	GoBinary string
}

// Name implements Toolchain.
func (t GoToolchain) Name() string { return "go-plugin" }

// Build implements Toolchain.
func (t GoToolchain) Build(ctx context.Context, dir string) error {
	bin := t.GoBinary
	if bin == "" {
		bin = "go"
	}
	cmd := exec.CommandContext(ctx, bin, "build", "-buildmode=plugin", "-o", ArtifactName, ".")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &BuildError{Output: string(out), Err: err}
	}
	return nil
}

// BuildError carries the toolchain's combined output for transient
// classification and diagnostics.
type BuildError struct {
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("toolchain: %v", e.Err)
	}
	return fmt.Sprintf("toolchain: %v: %s", e.Err, out)
}

func (e *BuildError) Unwrap() error { return e.Err }

// transientMarkers are substrings of toolchain errors that indicate
// resource contention (linker or file locks held elsewhere) rather than a
// broken module. Such failures are worth a bounded retry.
var transientMarkers = []string{
	"text file busy",
	"resource temporarily unavailable",
	"cannot obtain lock",
	"interrupted system call",
}

// IsTransient classifies a build failure as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	var be *BuildError
	if errors.As(err, &be) {
		msg += " " + strings.ToLower(be.Output)
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
