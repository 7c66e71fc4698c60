package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/remoDevv/Smdnnmsmsm/pkg/codesign"
	"github.com/remoDevv/Smdnnmsmsm/pkg/config"
	"github.com/remoDevv/Smdnnmsmsm/pkg/resign"
)

const version = "1.0.0"

const usage = `ipa-resign - iOS IPA re-signing engine

Re-signs IPA archives with a PKCS#12 identity and a provisioning profile,
natively on any platform, falling back to an external signer when needed.

Usage:
  ipa-resign sign --ipa=<path> [--p12=<path>] [--profile=<path>] [--password=<password>] [--output=<path>] [--config=<path>] [--verbose]
  ipa-resign batch <jobs.yaml> [--workers=<n>] [--config=<path>] [--verbose]
  ipa-resign info --ipa=<path> [--signature] [--config=<path>]
  ipa-resign info --profile=<path> [--udid=<id>]
  ipa-resign info --binary=<path>
  ipa-resign -h | --help
  ipa-resign --version

Commands:
  sign      Re-sign one IPA
  batch     Re-sign every job listed in a YAML file and print the results
  info      Display information about an IPA, a provisioning profile or a Mach-O binary

Options:
  --ipa=<path>          Path to the input .ipa file
  --p12=<path>          Path to the P12 certificate file (or CODESIGN_P12 env var)
  --profile=<path>      Path to the provisioning profile (or CODESIGN_PROFILE env var)
  --password=<password> Password for the P12 certificate (or CODESIGN_PASSWORD env var)
  --output=<path>       Path for the signed IPA (defaults to signed.ipa next to the input)
  --binary=<path>       Path to a Mach-O binary (info command)
  --udid=<id>           Report whether the profile provisions this device (info command)
  --signature           Show code signature details of every binary (info command)
  --workers=<n>         Concurrent jobs for batch [default: 0]
  --config=<path>       YAML configuration file
  --verbose             Log at debug level
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  CODESIGN_P12          Path to P12 certificate file (overridden by --p12)
  CODESIGN_PROFILE      Path to provisioning profile (overridden by --profile)
  CODESIGN_PASSWORD     P12 certificate password (overridden by --password)
  RESIGN_*              Engine settings, see the config package

Batch file:
  - ipa_path: App.ipa
    p12_path: cert.p12
    profile_path: dev.mobileprovision
    p12_password: secret
    output_path: App-signed.ipa

Examples:
  # Re-sign an IPA
  ipa-resign sign --ipa=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --password=secret

  # Re-sign using environment variables (useful for CI/CD)
  export CODESIGN_P12=/path/to/cert.p12
  export CODESIGN_PROFILE=/path/to/profile.mobileprovision
  export CODESIGN_PASSWORD=secret
  ipa-resign sign --ipa=MyApp.ipa

  # Re-sign several IPAs, two at a time
  ipa-resign batch jobs.yaml --workers=2

  # View the code signatures inside an IPA
  ipa-resign info --ipa=MyApp.ipa --signature
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sign, _ := opts.Bool("sign"); sign {
		err = runSign(ctx, opts)
	} else if batch, _ := opts.Bool("batch"); batch {
		err = runBatch(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(ctx, opts)
	}
	if err != nil {
		printError(err)
		stop()
		os.Exit(1)
	}
}

// printError writes "Error: <kind>: <detail>" for engine errors and the
// plain message for everything else.
func printError(err error) {
	if kind := codesign.KindOf(err); kind != codesign.KindUnknown {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", kind, codesign.DetailOf(err))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func setup(opts docopt.Opts) (config.Config, *log.Entry, error) {
	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("invalid log_level: %w", err)
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		level = log.DebugLevel
	}

	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return cfg, log.NewEntry(logger), nil
}

// withEnvDefaults fills empty credential fields from the CODESIGN_* variables.
func withEnvDefaults(d resign.Descriptor) resign.Descriptor {
	if d.P12Path == "" {
		d.P12Path = os.Getenv("CODESIGN_P12")
	}
	if d.ProfilePath == "" {
		d.ProfilePath = os.Getenv("CODESIGN_PROFILE")
	}
	if d.P12Password == "" {
		d.P12Password = os.Getenv("CODESIGN_PASSWORD")
	}
	return d
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	var desc resign.Descriptor
	desc.IPAPath, _ = opts.String("--ipa")
	desc.P12Path, _ = opts.String("--p12")
	desc.ProfilePath, _ = opts.String("--profile")
	desc.P12Password, _ = opts.String("--password")
	desc.OutputPath, _ = opts.String("--output")
	desc = withEnvDefaults(desc)

	if desc.P12Path == "" {
		return fmt.Errorf("--p12 is required (or set CODESIGN_P12 environment variable)")
	}
	if desc.ProfilePath == "" {
		return fmt.Errorf("--profile is required (or set CODESIGN_PROFILE environment variable)")
	}

	fmt.Printf("Resigning IPA: %s\n", desc.IPAPath)
	fmt.Printf("Using certificate: %s\n", desc.P12Path)
	fmt.Printf("Using profile: %s\n", desc.ProfilePath)
	if identity, err := codesign.LoadSigningIdentityFile(desc.P12Path, desc.P12Password); err == nil {
		printIdentity(os.Stdout, identity.Info())
		identity.Close()
	}
	fmt.Println()

	engine := resign.NewEngine(cfg, resign.WithLogger(logger))
	_ = engine.CheckFallback(ctx)
	res := engine.Run(ctx, desc)
	if !res.Succeeded() {
		return res.Err
	}
	fmt.Printf("Successfully resigned IPA (%s signer): %s\n", res.Path, res.OutputPath)
	return nil
}

func runBatch(ctx context.Context, opts docopt.Opts) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	jobsPath, _ := opts.String("<jobs.yaml>")
	data, err := os.ReadFile(filepath.Clean(jobsPath))
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	var descs []resign.Descriptor
	if err := yaml.Unmarshal(data, &descs); err != nil {
		return fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(descs) == 0 {
		return errors.New("batch file lists no jobs")
	}
	for i := range descs {
		descs[i] = withEnvDefaults(descs[i])
	}

	workers, err := opts.Int("--workers")
	if err != nil {
		return fmt.Errorf("invalid --workers: %w", err)
	}

	engine := resign.NewEngine(cfg, resign.WithLogger(logger))
	_ = engine.CheckFallback(ctx)
	results := engine.RunBatch(ctx, descs, workers)

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	ipaPath, _ := opts.String("--ipa")
	profilePath, _ := opts.String("--profile")
	binaryPath, _ := opts.String("--binary")
	udid, _ := opts.String("--udid")
	showSignature, _ := opts.Bool("--signature")

	switch {
	case ipaPath != "":
		configPath, _ := opts.String("--config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return showIPAInfo(ctx, cfg, ipaPath, showSignature)
	case profilePath != "":
		return showProfileInfo(profilePath, udid)
	case binaryPath != "":
		return showBinaryInfo(binaryPath)
	}
	return fmt.Errorf("one of --ipa, --profile or --binary is required")
}

func showIPAInfo(ctx context.Context, cfg config.Config, ipaPath string, showSignature bool) error {
	root, err := codesign.ExtractIPA(ctx, ipaPath, cfg.ScratchDir, codesign.ExtractLimits{
		MaxBytes:   cfg.MaxArchiveBytes,
		MaxEntries: cfg.MaxArchiveEntries,
	})
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	bundle, err := codesign.OpenAppBundle(root)
	if err != nil {
		return err
	}

	fmt.Println("IPA Information")
	fmt.Println("===============")
	fmt.Printf("File:        %s\n", ipaPath)
	fmt.Printf("App Name:    %s\n", filepath.Base(bundle.Path))
	fmt.Printf("Bundle ID:   %s\n", bundle.BundleID)
	fmt.Printf("Executable:  %s\n", bundle.Executable)

	embedded := filepath.Join(bundle.Path, "embedded.mobileprovision")
	if profile, err := codesign.LoadProvisioningProfileFile(embedded); err == nil {
		fmt.Println()
		fmt.Println("Embedded Provisioning Profile")
		fmt.Println("-----------------------------")
		fmt.Printf("Team ID:        %s\n", profile.TeamID())
		fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
		fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))
		fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
		printCertificates(profile)
	}

	if !showSignature {
		return nil
	}

	bins, err := bundle.LocateBinaries()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Code Signature Details")
	fmt.Println("======================")
	for _, rel := range bins {
		fmt.Printf("\n%s\n", rel)
		infos, err := codesign.ParseSignature(filepath.Join(bundle.Path, filepath.FromSlash(rel)))
		if err != nil {
			fmt.Printf("  not signed: %v\n", err)
			continue
		}
		for _, info := range infos {
			codesign.PrintSignatureInfo(info, os.Stdout)
		}
	}
	return nil
}

func showBinaryInfo(path string) error {
	infos, err := codesign.ParseSignature(path)
	if err != nil {
		return err
	}
	for _, info := range infos {
		codesign.PrintSignatureInfo(info, os.Stdout)
		if err := info.VerifyCMS(); err != nil {
			fmt.Printf("CMS: %v\n", err)
		} else {
			fmt.Println("CMS: signature matches CodeDirectory")
		}
	}
	return nil
}

func printIdentity(w io.Writer, info codesign.CertificateInfo) {
	fmt.Fprintf(w, "Signer:        %s\n", info.CommonName)
	if info.TeamID != "" {
		fmt.Fprintf(w, "Signer team:   %s\n", info.TeamID)
	}
	fmt.Fprintf(w, "Signer expiry: %s\n", info.NotAfter.Format("2006-01-02"))
}

func printDeviceStatus(w io.Writer, profile *codesign.ProvisioningProfile, udid string) {
	status := "not provisioned"
	if profile.IsDeviceAllowed(udid) {
		status = "provisioned"
	}
	fmt.Fprintf(w, "Device %s: %s\n", udid, status)
}

func showProfileInfo(profilePath, udid string) error {
	profile, err := codesign.LoadProvisioningProfileFile(profilePath)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	if err := profile.Validate(time.Now()); err != nil {
		fmt.Printf("Valid:          no (%s)\n", codesign.DetailOf(err))
	} else {
		fmt.Printf("Valid:          yes\n")
	}
	if err := profile.Verify(); err != nil {
		fmt.Printf("Envelope:       %s\n", codesign.DetailOf(err))
	} else {
		fmt.Printf("Envelope:       signature verified\n")
	}
	printCertificates(profile)

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, device := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", device)
		}
	}
	if udid != "" {
		printDeviceStatus(os.Stdout, profile, udid)
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, profile.Entitlements[key])
		}
	}

	return nil
}

func printCertificates(profile *codesign.ProvisioningProfile) {
	certs, err := profile.Certificates()
	if err != nil {
		return
	}
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		if len(cert.Subject.OrganizationalUnit) > 0 {
			fmt.Printf("      Team ID: %s\n", cert.Subject.OrganizationalUnit[0])
		}
	}
}
