// Command c2v converts an OCI image archive into a bootable qcow2/btrfs
// VM disk image (spec.md §4.7). Usage follows cmd/exec/main.go's
// pattern: flag.Parse, validate positional args against flag.Args,
// print a usage banner and exit 1 on misuse.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/onkernel/c2v/lib/c2vpipeline"
	"github.com/onkernel/c2v/lib/logger"
	"github.com/onkernel/c2v/lib/sandbox"
)

// repeatedFlag collects a flag.Value that may be passed more than
// once, matching cmd/exec/main.go's envFlags.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("c2v failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(logger.NewConfig()))

	var (
		cmdOverride        repeatedFlag
		entrypointOverride repeatedFlag
		envOverride        repeatedFlag
		user               string
		workingDir         string
		mountDir           string
		minDiskSize        string
	)

	flag.Var(&cmdOverride, "cmd", "override the image's default command (repeatable)")
	flag.Var(&entrypointOverride, "entrypoint", "override the image's entrypoint (repeatable)")
	flag.Var(&envOverride, "env", "additional environment variable KEY=VALUE (repeatable)")
	flag.StringVar(&user, "user", "", "override the user/uid:gid the init script runs as")
	flag.StringVar(&workingDir, "working-dir", "", "override the working directory")
	flag.StringVar(&mountDir, "mount-dir", "", "host directory to mount the new disk at while populating it")
	flag.StringVar(&minDiskSize, "min-disk-size", "", "floor the output disk size at this byte count (e.g. 2GB)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <oci-archive> <output.qcow2>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	archivePath, diskPath := args[0], args[1]

	opts := c2vpipeline.Options{MountDir: mountDir}
	if len(cmdOverride) > 0 {
		v := []string(cmdOverride)
		opts.CmdOverride = &v
	}
	if len(entrypointOverride) > 0 {
		v := []string(entrypointOverride)
		opts.EntrypointOverride = &v
	}
	opts.EnvOverride = envOverride
	if user != "" {
		opts.UidGidOverride = &user
	}
	if workingDir != "" {
		opts.WorkdirOverride = &workingDir
	}
	if minDiskSize != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(minDiskSize)); err != nil {
			return fmt.Errorf("invalid --min-disk-size %q: %w", minDiskSize, err)
		}
		opts.MinDiskSize = int64(v.Bytes())
	}
	if epoch, ok := sourceDateEpoch(); ok {
		opts.Epoch = &epoch
	}

	hostRoot, err := os.MkdirTemp("", "c2v-root-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(hostRoot)

	client := sandbox.NewLocal(hostRoot)
	ctx := context.Background()
	if err := c2vpipeline.Run(ctx, client, archivePath, diskPath, opts); err != nil {
		return err
	}
	slog.Info("wrote VM disk image", "path", diskPath)
	return nil
}

// sourceDateEpoch reads SOURCE_DATE_EPOCH per spec.md §6's environment
// contract, enabling the reproducible-timestamp resets in §4.7 steps
// 4-6d.
func sourceDateEpoch() (time.Time, bool) {
	raw := os.Getenv("SOURCE_DATE_EPOCH")
	if raw == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
