package resign

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"howett.net/plist"

	"github.com/remoDevv/Smdnnmsmsm/internal/testutil"
	"github.com/remoDevv/Smdnnmsmsm/pkg/codesign"
	"github.com/remoDevv/Smdnnmsmsm/pkg/config"
)

const testPassword = "hunter2"

// recordingFallback is a Fallback that remembers its calls. With a nil err
// it copies the input archive to the output path.
type recordingFallback struct {
	mu    sync.Mutex
	calls []FallbackRequest
	err   error
}

func (f *recordingFallback) Sign(ctx context.Context, req FallbackRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(req.IPAPath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, data, 0644)
}

func (f *recordingFallback) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	dir     string
	scratch string
	desc    Descriptor
	profile []byte
}

type fixtureOptions struct {
	executable []byte
	expiration time.Time
	appID      string
	certTeamID string
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	dir := t.TempDir()

	id := testutil.NewIdentity(t, testutil.IdentityOptions{Password: testPassword, TeamID: opts.certTeamID})
	profile := testutil.Profile(t, testutil.ProfileOptions{
		AppID:        opts.appID,
		Expiration:   opts.expiration,
		Certificates: []*x509.Certificate{id.Certificate},
	})

	exe := opts.executable
	if exe == nil {
		exe, _ = testutil.MachO(testutil.MachOOptions{})
	}
	ipa := testutil.WriteZip(t, filepath.Join(dir, "app.ipa"), testutil.AppEntries(t, "Runner", "com.example.original", exe))

	return &fixture{
		dir:     dir,
		scratch: t.TempDir(),
		profile: profile,
		desc: Descriptor{
			IPAPath:     ipa,
			P12Path:     id.WriteP12(t, dir),
			ProfilePath: testutil.WriteProfile(t, dir, profile),
			P12Password: testPassword,
		},
	}
}

func (f *fixture) config() config.Config {
	cfg := config.Default()
	cfg.ScratchDir = f.scratch
	cfg.JobTimeout = time.Minute
	return cfg
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch directory not cleaned up: %d entries left", len(entries))
	}
}

func quietLogger() (*log.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return log.NewEntry(logger), hook
}

func readZipEntry(t *testing.T, path, name string) []byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	t.Fatalf("%s has no entry %s", path, name)
	return nil
}

func TestEngineRun_Native(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	logger, hook := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(nil))

	res := e.Run(context.Background(), f.desc)
	if !res.Succeeded() {
		t.Fatalf("job failed: %s: %s", res.ErrorKind, res.ErrorDetail)
	}
	if res.Path != PathNative {
		t.Errorf("Path = %q, want native", res.Path)
	}
	if res.JobID == "" {
		t.Error("job has no id")
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("job finished before it started")
	}

	want := filepath.Join(f.dir, DefaultOutputName)
	if res.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", res.OutputPath, want)
	}

	embedded := readZipEntry(t, res.OutputPath, "Payload/Runner.app/embedded.mobileprovision")
	if !bytes.Equal(embedded, f.profile) {
		t.Error("embedded profile is not byte-identical to the supplied profile")
	}

	var info map[string]interface{}
	if _, err := plist.Unmarshal(readZipEntry(t, res.OutputPath, "Payload/Runner.app/Info.plist"), &info); err != nil {
		t.Fatal(err)
	}
	if info["CFBundleIdentifier"] != "com.example.resigned" {
		t.Errorf("bundle id = %v, want the profile's", info["CFBundleIdentifier"])
	}

	sigs, err := codesign.ParseSignatureFromData(readZipEntry(t, res.OutputPath, "Payload/Runner.app/Runner"))
	if err != nil {
		t.Fatalf("main executable is not signed: %v", err)
	}
	cd := sigs[0].PrimaryCodeDirectory()
	if cd == nil || cd.Identifier != "com.example.resigned" {
		t.Errorf("unexpected CodeDirectory: %+v", cd)
	}
	if cd != nil && cd.CodeLimit != sigs[0].CodeLimit {
		t.Errorf("code limit mismatch: %d vs %d", cd.CodeLimit, sigs[0].CodeLimit)
	}
	if err := sigs[0].VerifyCMS(); err != nil {
		t.Errorf("VerifyCMS failed: %v", err)
	}
	if ents := sigs[0].Entitlements.Parsed; ents["application-identifier"] != testutil.DefaultTeamID+".com.example.resigned" {
		t.Errorf("entitlements = %v", ents)
	}

	readZipEntry(t, res.OutputPath, "Payload/Runner.app/_CodeSignature/CodeResources")
	f.assertScratchEmpty(t)

	for _, entry := range hook.AllEntries() {
		line, _ := entry.String()
		if strings.Contains(line, testPassword) {
			t.Errorf("password logged: %s", line)
		}
	}
}

func TestEngineRun_ExplicitOutput(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	logger, _ := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(nil))

	desc := f.desc
	desc.OutputPath = filepath.Join(t.TempDir(), "custom.ipa")
	res := e.Run(context.Background(), desc)
	if !res.Succeeded() || res.OutputPath != desc.OutputPath {
		t.Fatalf("result = %+v", res)
	}
	if !codesign.IsZipArchive(desc.OutputPath) {
		t.Error("custom output missing")
	}
}

func TestEngineRun_WildcardProfileKeepsBundleID(t *testing.T) {
	f := newFixture(t, fixtureOptions{appID: "*"})
	logger, _ := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(nil))

	res := e.Run(context.Background(), f.desc)
	if !res.Succeeded() {
		t.Fatalf("job failed: %s: %s", res.ErrorKind, res.ErrorDetail)
	}
	sigs, err := codesign.ParseSignatureFromData(readZipEntry(t, res.OutputPath, "Payload/Runner.app/Runner"))
	if err != nil {
		t.Fatal(err)
	}
	if got := sigs[0].Entitlements.Parsed["application-identifier"]; got != testutil.DefaultTeamID+".com.example.original" {
		t.Errorf("wildcard application-identifier was narrowed to %v", got)
	}
}

func TestEngineRun_TeamFromProfile(t *testing.T) {
	f := newFixture(t, fixtureOptions{certTeamID: "NOTATEAM"})
	logger, _ := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(nil))

	res := e.Run(context.Background(), f.desc)
	if !res.Succeeded() {
		t.Fatalf("job failed: %s: %s", res.ErrorKind, res.ErrorDetail)
	}
	sigs, err := codesign.ParseSignatureFromData(readZipEntry(t, res.OutputPath, "Payload/Runner.app/Runner"))
	if err != nil {
		t.Fatal(err)
	}
	cd := sigs[0].PrimaryCodeDirectory()
	if cd == nil || cd.TeamID != testutil.DefaultTeamID {
		t.Errorf("CodeDirectory team = %+v, want the profile's %s", cd, testutil.DefaultTeamID)
	}
}

func TestEngineRun_InputFailuresSkipFallback(t *testing.T) {
	tests := []struct {
		name   string
		opts   fixtureOptions
		mutate func(d *Descriptor)
		want   codesign.Kind
	}{
		{
			name: "expired profile",
			opts: fixtureOptions{expiration: time.Now().Add(-time.Hour)},
			want: codesign.KindProfile,
		},
		{
			name:   "wrong password",
			mutate: func(d *Descriptor) { d.P12Password = "wrong" },
			want:   codesign.KindCertificate,
		},
		{
			name:   "missing certificate",
			mutate: func(d *Descriptor) { d.P12Path = filepath.Join(filepath.Dir(d.P12Path), "missing.p12") },
			want:   codesign.KindCertificate,
		},
		{
			name:   "missing profile",
			mutate: func(d *Descriptor) { d.ProfilePath = filepath.Join(filepath.Dir(d.ProfilePath), "missing") },
			want:   codesign.KindProfile,
		},
		{
			name:   "empty ipa path",
			mutate: func(d *Descriptor) { d.IPAPath = "" },
			want:   codesign.KindBundle,
		},
		{
			name:   "empty profile path",
			mutate: func(d *Descriptor) { d.ProfilePath = "" },
			want:   codesign.KindProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			desc := f.desc
			if tt.mutate != nil {
				tt.mutate(&desc)
			}

			fb := &recordingFallback{}
			logger, _ := quietLogger()
			e := NewEngine(f.config(), WithLogger(logger), WithFallback(fb))

			res := e.Run(context.Background(), desc)
			if res.Succeeded() {
				t.Fatal("expected the job to fail")
			}
			if res.Status != StatusFailed {
				t.Errorf("Status = %q", res.Status)
			}
			if res.ErrorKind != tt.want {
				t.Errorf("ErrorKind = %s, want %s (%s)", res.ErrorKind, tt.want, res.ErrorDetail)
			}
			if fb.called() != 0 {
				t.Error("fallback ran for an input failure")
			}
			if _, err := os.Stat(filepath.Join(f.dir, DefaultOutputName)); !os.IsNotExist(err) {
				t.Error("failed job left an output archive")
			}
			f.assertScratchEmpty(t)
		})
	}
}

func TestEngineRun_Fallback(t *testing.T) {
	script := []byte("#!/bin/sh\necho not a binary\n")

	tests := []struct {
		name     string
		err      error
		wantOK   bool
		wantKind codesign.Kind
	}{
		{"fallback succeeds", nil, true, codesign.KindUnknown},
		{"classified failure wins", codesign.NewError(codesign.KindProfile, nil, "external signer: bad provisioning profile"), false, codesign.KindProfile},
		{"generic failure keeps native error", codesign.NewError(codesign.KindExternalTool, nil, "exited with status 1"), false, codesign.KindBinary},
		{"foreign error keeps native error", errors.New("boom"), false, codesign.KindBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{executable: script})
			fb := &recordingFallback{err: tt.err}
			logger, _ := quietLogger()
			e := NewEngine(f.config(), WithLogger(logger), WithFallback(fb))

			res := e.Run(context.Background(), f.desc)
			if fb.called() != 1 {
				t.Fatalf("fallback called %d times, want 1", fb.called())
			}
			req := fb.calls[0]
			if req.IPAPath != f.desc.IPAPath || req.P12Password != testPassword || req.OutputPath != filepath.Join(f.dir, DefaultOutputName) {
				t.Errorf("fallback got %+v", req)
			}
			if req.CompressionLevel != config.DefaultCompressionLevel {
				t.Errorf("compression level = %d", req.CompressionLevel)
			}

			if res.Succeeded() != tt.wantOK {
				t.Fatalf("Succeeded() = %v, want %v (%s: %s)", res.Succeeded(), tt.wantOK, res.ErrorKind, res.ErrorDetail)
			}
			if tt.wantOK {
				if res.Path != PathFallback {
					t.Errorf("Path = %q, want fallback", res.Path)
				}
				return
			}
			if res.ErrorKind != tt.wantKind {
				t.Errorf("ErrorKind = %s, want %s (%s)", res.ErrorKind, tt.wantKind, res.ErrorDetail)
			}
			f.assertScratchEmpty(t)
		})
	}
}

func TestEngineRun_ExternalToolFallback(t *testing.T) {
	tool := fakeTool(t, `echo "Unable to parse p12: wrong password" >&2; exit 1`)
	f := newFixture(t, fixtureOptions{executable: []byte("#!/bin/sh\n")})

	cfg := f.config()
	cfg.Fallback.Enabled = true
	cfg.Fallback.Path = tool
	logger, _ := quietLogger()
	e := NewEngine(cfg, WithLogger(logger))

	res := e.Run(context.Background(), f.desc)
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != codesign.KindCertificate {
		t.Errorf("ErrorKind = %s, want the tool's classified CertificateError (%s)", res.ErrorKind, res.ErrorDetail)
	}
}

func TestEngineRun_NoFallbackWhenDisabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{executable: []byte("#!/bin/sh\n")})
	cfg := f.config()
	cfg.Fallback.Enabled = false
	logger, _ := quietLogger()

	res := NewEngine(cfg, WithLogger(logger)).Run(context.Background(), f.desc)
	if res.ErrorKind != codesign.KindBinary {
		t.Errorf("ErrorKind = %s, want BinaryError", res.ErrorKind)
	}
	if res.Err == nil {
		t.Error("Result.Err should carry the error chain")
	}
}

func TestEngineRun_Cancelled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	fb := &recordingFallback{}
	logger, _ := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(fb))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, f.desc)
	if res.Succeeded() {
		t.Fatal("cancelled job succeeded")
	}
	if fb.called() != 0 {
		t.Error("fallback ran after cancellation")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled in the chain, got %v", res.Err)
	}
	f.assertScratchEmpty(t)
}

func TestEngineRun_ClockDrivesExpiry(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour)
	f := newFixture(t, fixtureOptions{expiration: exp})
	logger, _ := quietLogger()
	e := NewEngine(f.config(), WithLogger(logger), WithFallback(nil), WithClock(func() time.Time {
		return exp.Add(time.Minute)
	}))

	res := e.Run(context.Background(), f.desc)
	if res.ErrorKind != codesign.KindProfile {
		t.Errorf("ErrorKind = %s, want ProfileError", res.ErrorKind)
	}
}

func TestEngineRunBatch(t *testing.T) {
	good := newFixture(t, fixtureOptions{})
	other := newFixture(t, fixtureOptions{})
	logger, _ := quietLogger()

	cfg := good.config()
	e := NewEngine(cfg, WithLogger(logger), WithFallback(nil))

	bad := good.desc
	bad.IPAPath = ""
	second := other.desc
	second.OutputPath = filepath.Join(other.dir, "second.ipa")

	results := e.RunBatch(context.Background(), []Descriptor{good.desc, bad, second}, 2)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Succeeded() || results[0].OutputPath != filepath.Join(good.dir, DefaultOutputName) {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].Succeeded() || results[1].ErrorKind != codesign.KindBundle {
		t.Errorf("second result = %+v", results[1])
	}
	if !results[2].Succeeded() || results[2].OutputPath != second.OutputPath {
		t.Errorf("third result = %+v", results[2])
	}

	ids := map[string]bool{}
	for _, r := range results {
		ids[r.JobID] = true
	}
	if len(ids) != 3 {
		t.Error("job ids are not unique")
	}
	good.assertScratchEmpty(t)
}

func TestMoreSpecific(t *testing.T) {
	native := codesign.NewError(codesign.KindBinary, nil, "no binaries")
	tests := []struct {
		name     string
		fallback error
		want     codesign.Kind
	}{
		{"certificate", codesign.NewError(codesign.KindCertificate, nil, "password"), codesign.KindCertificate},
		{"bundle", codesign.NewError(codesign.KindBundle, nil, "bundle id"), codesign.KindBundle},
		{"external tool", codesign.NewError(codesign.KindExternalTool, nil, "crash"), codesign.KindBinary},
		{"unknown", errors.New("boom"), codesign.KindBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codesign.KindOf(moreSpecific(native, tt.fallback)); got != tt.want {
				t.Errorf("moreSpecific() kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewEngine_ConfiguredFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Fallback.Path = "/opt/zsign"
	cfg.Fallback.Timeout = 42 * time.Second

	e := NewEngine(cfg)
	s, ok := e.fallback.(*ExternalSigner)
	if !ok {
		t.Fatalf("fallback is %T, want *ExternalSigner", e.fallback)
	}
	if s.Path != "/opt/zsign" || s.Timeout != 42*time.Second {
		t.Errorf("signer = %+v", s)
	}

	if NewEngine(cfg, WithFallback(nil)).fallback != nil {
		t.Error("WithFallback(nil) should disable the fallback")
	}
	cfg.Fallback.Enabled = false
	if NewEngine(cfg).fallback != nil {
		t.Error("disabled fallback was configured")
	}
}

func TestEngine_CheckFallback(t *testing.T) {
	logger, hook := quietLogger()
	cfg := config.Default()

	cfg.Fallback.Path = fakeTool(t, copyTool)
	e := NewEngine(cfg, WithLogger(logger))
	if err := e.CheckFallback(context.Background()); err != nil {
		t.Fatalf("working tool rejected: %v", err)
	}
	if e.fallback == nil {
		t.Error("working tool was dropped")
	}

	cfg.Fallback.Path = filepath.Join(t.TempDir(), "no-such-zsign")
	e = NewEngine(cfg, WithLogger(logger))
	if err := e.CheckFallback(context.Background()); codesign.KindOf(err) != codesign.KindExternalTool {
		t.Errorf("expected ExternalToolError, got %v", err)
	}
	if e.fallback != nil {
		t.Error("missing tool kept as fallback")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Error("missing tool not reported as a warning")
	}

	fb := &recordingFallback{}
	e = NewEngine(cfg, WithLogger(logger), WithFallback(fb))
	if err := e.CheckFallback(context.Background()); err != nil || e.fallback != fb {
		t.Errorf("fallback without an availability check should be kept, got %v", err)
	}
	if err := NewEngine(cfg, WithFallback(nil)).CheckFallback(context.Background()); err != nil {
		t.Errorf("no fallback: %v", err)
	}
}
