package resign

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/remoDevv/Smdnnmsmsm/pkg/codesign"
	"github.com/remoDevv/Smdnnmsmsm/pkg/config"
)

// Engine runs signing jobs. It holds no per-job state and is safe for
// concurrent use.
type Engine struct {
	cfg         config.Config
	logger      *log.Entry
	fallback    Fallback
	fallbackSet bool
	now         func() time.Time
}

type Option func(*Engine)

// WithLogger sets the entry every job logs through.
func WithLogger(l *log.Entry) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFallback replaces the configured external signer. A nil Fallback
// disables the second attempt.
func WithFallback(f Fallback) Option {
	return func(e *Engine) {
		e.fallback = f
		e.fallbackSet = true
	}
}

// WithClock sets the time source used for profile validity and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: log.NewEntry(log.StandardLogger()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.fallbackSet && cfg.Fallback.Enabled {
		e.fallback = &ExternalSigner{
			Path:    cfg.Fallback.Path,
			Timeout: cfg.Fallback.Timeout,
			Logger:  e.logger,
		}
	}
	return e
}

// availabilityChecker is a Fallback that can report up front whether it is
// usable.
type availabilityChecker interface {
	Available(ctx context.Context) error
}

// CheckFallback checks that the fallback signer can run. An unusable signer is dropped
// with a warning, so later failures report the native error rather than a
// missing tool. Call it before starting jobs.
func (e *Engine) CheckFallback(ctx context.Context) error {
	c, ok := e.fallback.(availabilityChecker)
	if !ok {
		return nil
	}
	if err := c.Available(ctx); err != nil {
		e.logger.WithError(err).Warn("external signer unavailable, fallback disabled")
		e.fallback = nil
		return err
	}
	return nil
}

// Run executes one job to completion. Inputs are loaded and validated
// first; failures there are final. Any later failure of the native
// pipeline is retried once through the fallback signer.
func (e *Engine) Run(ctx context.Context, desc Descriptor) Result {
	job := newJob(desc, e.now())
	logger := e.logger.WithField("job", job.ID)

	job.Status = StatusProcessing
	job.StartedAt = e.now()
	logger.WithFields(log.Fields{
		"ipa":      desc.IPAPath,
		"p12":      desc.P12Path,
		"profile":  desc.ProfilePath,
		"password": "***",
	}).Info("job started")

	if err := desc.validate(); err != nil {
		return e.fail(job, logger, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	identity, profile, err := e.loadInputs(jobCtx, desc)
	if err != nil {
		return e.fail(job, logger, err)
	}
	defer identity.Close()

	if err := profile.Validate(e.now()); err != nil {
		return e.fail(job, logger, err)
	}
	if !profile.MatchesCertificate(identity.Certificate) {
		logger.Warn("signing certificate is not listed in the provisioning profile")
	}

	output := desc.outputPath()
	nativeErr := e.signNative(jobCtx, logger, identity, profile, desc, output)
	if nativeErr == nil {
		return e.complete(job, logger, output, PathNative)
	}
	logger.WithError(nativeErr).Warn("native signing failed")

	if e.fallback == nil || ctx.Err() != nil {
		return e.fail(job, logger, nativeErr)
	}

	logger.WithField("stage", "fallback").Info("retrying with external signer")
	fallbackErr := e.fallback.Sign(ctx, FallbackRequest{
		IPAPath:          desc.IPAPath,
		P12Path:          desc.P12Path,
		ProfilePath:      desc.ProfilePath,
		P12Password:      desc.P12Password,
		OutputPath:       output,
		CompressionLevel: e.cfg.CompressionLevel,
	})
	if fallbackErr == nil {
		return e.complete(job, logger, output, PathFallback)
	}
	logger.WithError(fallbackErr).Error("external signer failed")

	return e.fail(job, logger, moreSpecific(nativeErr, fallbackErr))
}

// RunBatch runs independent jobs with at most workers in flight. Results
// are in input order. workers <= 0 uses the configured worker count.
func (e *Engine) RunBatch(ctx context.Context, descs []Descriptor, workers int) []Result {
	if workers <= 0 {
		workers = e.cfg.Workers
	}

	results := make([]Result, len(descs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, desc := range descs {
		i, desc := i, desc
		g.Go(func() error {
			results[i] = e.Run(ctx, desc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// loadInputs reads the credential and the profile in parallel. A
// certificate failure is reported ahead of a profile failure.
func (e *Engine) loadInputs(ctx context.Context, desc Descriptor) (*codesign.SigningIdentity, *codesign.ProvisioningProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, codesign.NewError(codesign.KindCertificate, err, "job cancelled before loading inputs")
	}

	var (
		identity    *codesign.SigningIdentity
		profile     *codesign.ProvisioningProfile
		identityErr error
		profErr     error
		g           errgroup.Group
	)
	g.Go(func() error {
		identity, identityErr = codesign.LoadSigningIdentityFile(desc.P12Path, desc.P12Password)
		return identityErr
	})
	g.Go(func() error {
		profile, profErr = codesign.LoadProvisioningProfileFile(desc.ProfilePath)
		return profErr
	})
	_ = g.Wait()

	if identityErr != nil {
		return nil, nil, identityErr
	}
	if profErr != nil {
		identity.Close()
		return nil, nil, profErr
	}
	return identity, profile, nil
}

// signNative runs the in-process pipeline inside a private scratch
// directory that is removed on return.
func (e *Engine) signNative(ctx context.Context, logger *log.Entry, identity *codesign.SigningIdentity, profile *codesign.ProvisioningProfile, desc Descriptor, output string) error {
	scratch, err := os.MkdirTemp(e.cfg.ScratchDir, "resign-*")
	if err != nil {
		return codesign.NewError(codesign.KindBundle, err, "failed to create scratch directory")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.WithError(err).Warn("failed to remove scratch directory")
		}
	}()

	logger.WithField("stage", "extract").Debug("extracting archive")
	root, err := codesign.ExtractIPA(ctx, desc.IPAPath, scratch, codesign.ExtractLimits{
		MaxBytes:   e.cfg.MaxArchiveBytes,
		MaxEntries: e.cfg.MaxArchiveEntries,
	})
	if err != nil {
		return err
	}

	bundle, err := codesign.OpenAppBundle(root)
	if err != nil {
		return err
	}

	logger.WithField("stage", "metadata").Debug("rewriting bundle metadata")
	bundleID, err := bundle.RewriteBundleID(profile)
	if err != nil {
		return err
	}
	if err := bundle.EmbedProfile(profile.Raw); err != nil {
		return err
	}

	bins, err := bundle.LocateBinaries()
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"stage":     "locate",
		"bundle_id": bundleID,
		"binaries":  len(bins),
	}).Info("located binaries")

	entitlements, err := codesign.ProfileEntitlements(profile, bundleID)
	if err != nil {
		return err
	}

	signLogger := logger.WithField("stage", "sign")
	err = bundle.Sign(ctx, codesign.BundleSignOptions{
		Identity:     identity,
		Entitlements: entitlements,
		TeamID:       profile.TeamID(),
		OnBinary: func(rel string) {
			signLogger.WithField("binary", rel).Debug("signing binary")
		},
	})
	if err != nil {
		return err
	}

	logger.WithField("stage", "package").Debug("repackaging archive")
	return codesign.RepackageIPA(ctx, root, output, e.cfg.CompressionLevel)
}

func (e *Engine) complete(job *Job, logger *log.Entry, output string, path SignPath) Result {
	job.Status = StatusCompleted
	job.FinishedAt = e.now()
	logger.WithFields(log.Fields{
		"output":   output,
		"path":     path,
		"duration": job.FinishedAt.Sub(job.StartedAt).String(),
	}).Info("job completed")

	r := job.result()
	r.OutputPath = output
	r.Path = path
	return r
}

func (e *Engine) fail(job *Job, logger *log.Entry, err error) Result {
	job.Status = StatusFailed
	job.FinishedAt = e.now()

	kind := codesign.KindOf(err)
	logger.WithFields(log.Fields{
		"error_kind": kind.String(),
	}).WithError(err).Error("job failed")

	r := job.result()
	r.ErrorKind = kind
	r.ErrorDetail = codesign.DetailOf(err)
	r.Err = err
	return r
}

// moreSpecific picks the error to report when both signers failed. A
// fallback failure the tool's output could be mapped to a kind wins; a
// generic tool failure says less than the native error.
func moreSpecific(nativeErr, fallbackErr error) error {
	switch codesign.KindOf(fallbackErr) {
	case codesign.KindExternalTool, codesign.KindUnknown:
		return nativeErr
	}
	return fallbackErr
}
