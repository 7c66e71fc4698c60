// Package resign turns a job descriptor into a signed IPA. It loads the
// credential and profile, runs the native pipeline from package codesign and
// retries once through an external signer when that pipeline fails.
package resign

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/remoDevv/Smdnnmsmsm/pkg/codesign"
)

// DefaultOutputName is written next to the input IPA when a descriptor
// names no output path.
const DefaultOutputName = "signed.ipa"

// Descriptor is what a caller hands the engine: paths to already uploaded
// files and the container password.
type Descriptor struct {
	IPAPath     string `yaml:"ipa_path" json:"ipa_path"`
	P12Path     string `yaml:"p12_path" json:"p12_path"`
	ProfilePath string `yaml:"profile_path" json:"profile_path"`
	P12Password string `yaml:"p12_password" json:"p12_password"`
	OutputPath  string `yaml:"output_path,omitempty" json:"output_path,omitempty"`
}

func (d Descriptor) outputPath() string {
	if d.OutputPath != "" {
		return d.OutputPath
	}
	return filepath.Join(filepath.Dir(d.IPAPath), DefaultOutputName)
}

func (d Descriptor) validate() error {
	switch {
	case d.IPAPath == "":
		return codesign.NewError(codesign.KindBundle, nil, "ipa_path is required")
	case d.P12Path == "":
		return codesign.NewError(codesign.KindCertificate, nil, "p12_path is required")
	case d.ProfilePath == "":
		return codesign.NewError(codesign.KindProfile, nil, "profile_path is required")
	}
	return nil
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SignPath records which signer produced the output.
type SignPath string

const (
	PathNative   SignPath = "native"
	PathFallback SignPath = "fallback"
)

// Job tracks one descriptor through the pipeline. Only the engine mutates it.
type Job struct {
	ID         string
	Descriptor Descriptor
	Status     Status
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func newJob(desc Descriptor, now time.Time) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Descriptor: desc,
		Status:     StatusPending,
		CreatedAt:  now,
	}
}

// Result is reported back to the caller once a job finishes.
type Result struct {
	JobID       string        `yaml:"job_id" json:"job_id"`
	Status      Status        `yaml:"status" json:"status"`
	OutputPath  string        `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	ErrorKind   codesign.Kind `yaml:"error_kind,omitempty" json:"error_kind,omitempty"`
	ErrorDetail string        `yaml:"error_detail,omitempty" json:"error_detail,omitempty"`
	Path        SignPath      `yaml:"path,omitempty" json:"path,omitempty"`
	StartedAt   time.Time     `yaml:"started_at" json:"started_at"`
	FinishedAt  time.Time     `yaml:"finished_at" json:"finished_at"`

	// Err is the full error chain. It is not serialized.
	Err error `yaml:"-" json:"-"`
}

// Succeeded reports whether an output archive was produced.
func (r Result) Succeeded() bool {
	return r.Status == StatusCompleted
}

func (j *Job) result() Result {
	return Result{
		JobID:      j.ID,
		Status:     j.Status,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}
