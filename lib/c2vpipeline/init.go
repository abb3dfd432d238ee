package c2vpipeline

import (
	"context"
	"strings"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/onkernel/c2v/lib/sandbox"
)

// defaultEntrypoint is what boots when the image config names neither
// an entrypoint nor a command, per §8 scenario 1: the init script must
// still run something.
var defaultEntrypoint = []string{"/sbin/init"}

// quoteArg wraps s in single quotes, escaping any embedded single quote
// as '\'', per §4.7 step 7's quoting rule.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildInitScript synthesizes the /.c2v/init shell script content
// described in §4.7 step 7: exported env vars (config's list first,
// then any CLI override), optional _WORKDIR/_UIDGID assignments, and
// an optional `set --` line carrying entrypoint+cmd.
func buildInitScript(env []string, envOverride []string, workdir, uidgid string, entrypoint, cmd []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")

	for _, kv := range env {
		writeExport(&b, kv)
	}
	for _, kv := range envOverride {
		writeExport(&b, kv)
	}

	if workdir != "" {
		b.WriteString("_WORKDIR=" + quoteArg(workdir) + "\n")
	}
	if uidgid != "" {
		b.WriteString("_UIDGID=" + quoteArg(uidgid) + "\n")
	}

	if len(entrypoint) > 0 || len(cmd) > 0 {
		args := make([]string, 0, len(entrypoint)+len(cmd))
		args = append(args, entrypoint...)
		args = append(args, cmd...)
		b.WriteString("set --")
		for _, a := range args {
			b.WriteString(" " + quoteArg(a))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeExport(b *strings.Builder, kv string) {
	name, value, found := strings.Cut(kv, "=")
	if !found {
		return
	}
	b.WriteString("export " + name + "=" + quoteArg(value) + "\n")
}

// writeInit assembles and writes /.c2v/init per §4.7 step 7, applying
// any CLI overrides, then chmods it 0400 and (if a reproducible epoch
// is set) resets its timestamps.
func writeInit(ctx context.Context, fs sandbox.Client, config *ispec.Image, opts Options) error {
	workdir := config.Config.WorkingDir
	if opts.WorkdirOverride != nil {
		workdir = *opts.WorkdirOverride
	}
	uidgid := config.Config.User
	if opts.UidGidOverride != nil {
		uidgid = *opts.UidGidOverride
	}
	entrypoint := config.Config.Entrypoint
	if opts.EntrypointOverride != nil {
		entrypoint = *opts.EntrypointOverride
	}
	cmd := config.Config.Cmd
	if opts.CmdOverride != nil {
		cmd = *opts.CmdOverride
	}
	if len(entrypoint) == 0 && len(cmd) == 0 {
		entrypoint = defaultEntrypoint
	}

	script := buildInitScript(config.Config.Env, opts.EnvOverride, workdir, uidgid, entrypoint, cmd)

	if err := fs.RemoveFile(ctx, initPathAbs); err != nil {
		return err
	}
	if err := fs.Mknod(ctx, initPathAbs, sIFREG|0o700, 0, 0); err != nil {
		return err
	}
	if err := fs.Pwrite(ctx, initPathAbs, 0, []byte(script)); err != nil {
		return err
	}
	if err := fs.Truncate(ctx, initPathAbs, int64(len(script))); err != nil {
		return err
	}
	if err := fs.Chmod(ctx, initPathAbs, 0o400); err != nil {
		return err
	}
	if opts.Epoch != nil {
		ts := sandbox.Timespec{Sec: opts.Epoch.Unix()}
		if err := fs.Utimens(ctx, initPathAbs, ts, ts); err != nil {
			return err
		}
	}
	return nil
}
