package resign

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/remoDevv/Smdnnmsmsm/pkg/codesign"
)

// Fallback is a second signer tried when the native pipeline fails.
type Fallback interface {
	Sign(ctx context.Context, req FallbackRequest) error
}

// FallbackRequest carries the original job inputs to the fallback signer.
type FallbackRequest struct {
	IPAPath          string
	P12Path          string
	ProfilePath      string
	P12Password      string
	OutputPath       string
	CompressionLevel int
}

func (r FallbackRequest) args() []string {
	return []string{
		"-k", r.P12Path,
		"-p", r.P12Password,
		"-m", r.ProfilePath,
		"-o", r.OutputPath,
		"-z", strconv.Itoa(r.CompressionLevel),
		r.IPAPath,
	}
}

// redactedArgs is args with the password masked, for logging.
func (r FallbackRequest) redactedArgs() []string {
	args := r.args()
	args[3] = "***"
	return args
}

// ExternalSigner runs a zsign compatible command line tool.
type ExternalSigner struct {
	Path    string
	Timeout time.Duration
	Logger  *log.Entry
}

// maxDetailLen caps how much tool output ends up in an error detail.
const maxDetailLen = 512

// Sign runs the tool and maps its failure onto the engine's error kinds.
func (s *ExternalSigner) Sign(ctx context.Context, req FallbackRequest) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	logger := s.logger().WithField("cmd", s.Path+" "+strings.Join(req.redactedArgs(), " "))
	logger.Debug("running external signer")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Path, req.args()...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	output := strings.TrimSpace(stderr.String())
	if output == "" {
		output = strings.TrimSpace(stdout.String())
	}
	if output != "" {
		logger.WithField("stderr", output).Debug("external signer output")
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return codesign.NewError(codesign.KindExternalTool, ctxErr, "external signer did not finish")
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return codesign.NewError(codesign.KindExternalTool, err, "failed to run %s", s.Path)
		}
		return classifyToolOutput(output, exitErr.ExitCode())
	}

	if !codesign.IsZipArchive(req.OutputPath) {
		return codesign.NewError(codesign.KindExternalTool, nil, "external signer exited cleanly but wrote no valid archive")
	}
	return nil
}

// Available reports whether the tool can be executed.
func (s *ExternalSigner) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Path, "-v")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		return codesign.NewError(codesign.KindExternalTool, err, "%s is not usable: %s", s.Path, truncate(detail))
	}
	return nil
}

func (s *ExternalSigner) logger() *log.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return log.NewEntry(log.StandardLogger())
}

// classifyToolOutput matches the tool's diagnostics against the known
// failure classes. Unrecognised output stays an ExternalToolError.
func classifyToolOutput(output string, exitCode int) error {
	lower := strings.ToLower(output)
	detail := truncate(output)
	if detail == "" {
		detail = "no diagnostic output"
	}

	switch {
	case strings.Contains(lower, "password"):
		return codesign.NewError(codesign.KindCertificate, nil, "external signer: %s", detail)
	case strings.Contains(lower, "provision"):
		return codesign.NewError(codesign.KindProfile, nil, "external signer: %s", detail)
	case strings.Contains(lower, "bundle id"):
		return codesign.NewError(codesign.KindBundle, nil, "external signer: %s", detail)
	}
	return codesign.NewError(codesign.KindExternalTool, nil, "external signer exited with status %d: %s", exitCode, detail)
}

func truncate(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen] + "..."
}
