package v2cpipeline

import (
	"context"
	"strings"
	"time"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/onkernel/c2v/lib/ociarchive"
	"github.com/onkernel/c2v/lib/sandbox"
)

// Options configures one Run invocation, carrying the optional CLI
// overrides §4.8 step 9 allows plus the non-functional knobs (epoch,
// checksum, compression, systemd cleanup) the rest of §4.8 names. A
// nil override pointer means "use the guest's own value unchanged".
type Options struct {
	MountDir string

	Checksum           bool
	SkipBtrfsSnapshots bool
	DisableUnits       bool // run step 4's unit-disable pass unless true

	Epoch *time.Time

	CompressionLevel int

	SourceArchivePath string // optional reuse-path source image

	UserOverride       *string
	EntrypointOverride *[]string
	CmdOverride        *[]string
	EnvOverride        []string
	WorkdirOverride    *string
}

// cleanupUnits are disabled unless Options.DisableUnits suppresses the
// pass, per §4.8 step 4.
var cleanupUnits = []string{"networking.service", "multipathd.service", "auditd.service"}

// disableGuestUnits runs step 4: disables cleanupUnits and masks
// systemd-rfkill.socket inside the guest. Every failure is non-fatal.
func disableGuestUnits(ctx context.Context, fs sandbox.Client) {
	for _, unit := range cleanupUnits {
		_, _ = fs.RunCommand(ctx, []string{"systemctl", "disable", unit})
	}
	_, _ = fs.RunCommand(ctx, []string{"systemctl", "mask", "systemd-rfkill.socket"})
}

// stopSignal implements §4.8 step 9's stop-signal rule: SIGPWR, unless
// /sbin/init's symlink target ends in "systemd".
func stopSignal(ctx context.Context, fs sandbox.Client) string {
	target, err := fs.Readlink(ctx, "/sbin/init")
	if err == nil && strings.HasSuffix(target, "systemd") {
		return "SIGRTMIN+3"
	}
	return "SIGPWR"
}

// assembleConfig builds the output image config per §4.8 step 9: CLI
// overrides win over the guest's own config defaults where given.
func assembleConfig(ctx context.Context, fs sandbox.Client, base ispec.Image, opts Options) ispec.Image {
	cfg := base.Config
	if opts.UserOverride != nil {
		cfg.User = *opts.UserOverride
	}
	if opts.EntrypointOverride != nil {
		cfg.Entrypoint = *opts.EntrypointOverride
	}
	if opts.CmdOverride != nil {
		cfg.Cmd = *opts.CmdOverride
	}
	if opts.WorkdirOverride != nil {
		cfg.WorkingDir = *opts.WorkdirOverride
	}
	if len(opts.EnvOverride) > 0 {
		cfg.Env = append(append([]string{}, cfg.Env...), opts.EnvOverride...)
	}
	cfg.StopSignal = stopSignal(ctx, fs)

	out := base
	out.Config = cfg
	out.Architecture, out.OS = ociarchive.NativePlatform()
	return out
}
