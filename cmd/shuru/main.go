//go:build darwin

// Command shuru is the thin CLI front end: argument parsing and wiring into
// internal/config, internal/checkpoint, internal/vm, internal/session and
// internal/forward. Per SPEC_FULL.md §1 this front end is out of scope for
// the core system — it exists only to drive the components from a shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shuru-dev/shuru/internal/checkpoint"
	"github.com/shuru-dev/shuru/internal/config"
	"github.com/shuru-dev/shuru/internal/forward"
	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/session"
	"github.com/shuru-dev/shuru/internal/version"
	"github.com/shuru-dev/shuru/internal/vm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru: logger init failed:", err)
		os.Exit(1)
	}
	defer log.Close()

	var code int
	switch os.Args[1] {
	case "run":
		code = cmdRun(os.Args[2:], log)
	case "checkpoint":
		code = cmdCheckpoint(os.Args[2:], log)
	case "init":
		code = cmdInit()
	case "prune":
		code = cmdPrune()
	case "version":
		fmt.Println(version.Get())
		code = 0
	default:
		usage()
		code = 1
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: shuru run [flags] -- ARGV...
       shuru checkpoint create NAME [flags] -- ARGV...
       shuru checkpoint list
       shuru checkpoint delete NAME
       shuru init
       shuru prune
       shuru version`)
}

type runFlags struct {
	cpus     int
	memory   uint64
	diskSize uint64
	kernel   string
	rootfs   string
	initrd   string
	allowNet bool
	from     string
	console  bool
	ports    multiFlag
	mounts   multiFlag
	config   string
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func parseRunFlags(fs *flag.FlagSet, args []string) (*runFlags, []string, error) {
	var rf runFlags
	fs.IntVar(&rf.cpus, "cpus", 0, "CPU count")
	var memory, diskSize uint
	fs.UintVar(&memory, "memory", 0, "memory in MB")
	fs.UintVar(&diskSize, "disk-size", 0, "disk size in MB")
	fs.StringVar(&rf.kernel, "kernel", "", "kernel path")
	fs.StringVar(&rf.rootfs, "rootfs", "", "rootfs path")
	fs.StringVar(&rf.initrd, "initrd", "", "initrd path")
	fs.BoolVar(&rf.allowNet, "allow-net", false, "enable NAT networking")
	fs.StringVar(&rf.from, "from", "", "checkpoint name to boot from")
	fs.BoolVar(&rf.console, "console", false, "attach host TTY to the boot console")
	fs.Var(&rf.ports, "p", "HOST:GUEST port mapping, repeatable")
	fs.Var(&rf.mounts, "mount", "HOST:GUEST[:ro|rw] directory mapping, repeatable")
	fs.StringVar(&rf.config, "config", "", "path to shuru.json")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	rf.memory = uint64(memory)
	rf.diskSize = uint64(diskSize)

	argv := fs.Args()
	return &rf, argv, nil
}

func cmdRun(args []string, log *logging.Logger) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf, argv, err := parseRunFlags(fs, args)
	if err != nil {
		return 1
	}
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "shuru: missing command after --")
		return 1
	}

	cfg, err := config.Load(rf.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}

	mounts, err := parseMounts(rf.mounts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	ports, err := parsePorts(rf.ports)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}

	code, _, err := runOnce(rf, cfg, argv, mounts, ports, log, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	return code
}

// runOnce prepares a working disk, boots a VM, runs argv to completion (TTY
// if stdin is a terminal and --console is not set, piped otherwise), and
// tears the VM down. It
// returns the prepared instance so checkpoint creation can reuse it without
// running the command twice. When keepInstance is true the caller is
// responsible for removing the instance directory (checkpoint create still
// needs the working disk on disk after the VM stops, to copy it into
// checkpoints/).
func runOnce(rf *runFlags, cfg *config.ShuruConfig, argv []string, mounts []vm.MountConfig, ports []forward.PortMapping, log *logging.Logger, keepInstance bool) (int, *checkpoint.PreparedVM, error) {
	ctx := context.Background()

	vmArgs := config.VMArgs{AllowNet: rf.allowNet, Kernel: rf.kernel, Rootfs: rf.rootfs, Initrd: rf.initrd}
	if rf.cpus != 0 {
		vmArgs.CPUs = &rf.cpus
	}
	if rf.memory != 0 {
		vmArgs.MemoryMB = &rf.memory
	}
	if rf.diskSize != 0 {
		vmArgs.DiskMB = &rf.diskSize
	}

	prepared, err := checkpoint.PrepareVM(vmArgs, cfg, rf.from, mounts, log)
	if err != nil {
		return 1, nil, err
	}

	builder := vm.NewBuilder().
		Kernel(prepared.KernelPath).
		Disk(prepared.WorkingDisk).
		CPUs(prepared.CPUs).
		MemoryMB(prepared.MemoryMB).
		Quiet(true).
		Console(rf.console).
		AllowNet(prepared.AllowNet).
		Mounts(mounts)
	if prepared.InitrdPath != "" {
		builder = builder.Initrd(prepared.InitrdPath)
	}

	v, err := builder.Build(log)
	if err != nil {
		_ = prepared.Cleanup()
		return 1, nil, err
	}
	if err := v.Start(ctx); err != nil {
		_ = prepared.Cleanup()
		return 1, nil, err
	}

	sandbox := session.NewSandbox(v, log, mounts)

	var fwHandle *forward.Handle
	if len(ports) > 0 {
		fwHandle, err = forward.Start(ctx, v, log, ports)
		if err != nil {
			log.Warn("port forwarding failed to start", "error", err)
		}
	}

	isTTY := rf.console == false && isStdinTerminal()
	var code int
	if isTTY {
		code, err = sandbox.Shell(ctx, session.ShellOptions{Argv: argv})
	} else {
		code, err = sandbox.Exec(ctx, session.ExecOptions{Argv: argv, Stdout: os.Stdout, Stderr: os.Stderr})
	}

	if fwHandle != nil {
		fwHandle.Close()
	}
	sandbox.Stop(ctx, 5*time.Second)

	if keepInstance {
		return code, prepared, err
	}
	cleanupErr := prepared.Cleanup()
	if err != nil {
		return code, prepared, err
	}
	return code, prepared, cleanupErr
}

func cmdCheckpoint(args []string, log *logging.Logger) int {
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "create":
		return cmdCheckpointCreate(args[1:], log)
	case "list":
		return cmdCheckpointList()
	case "delete":
		return cmdCheckpointDelete(args[1:])
	default:
		usage()
		return 1
	}
}

func cmdCheckpointCreate(args []string, log *logging.Logger) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "shuru: checkpoint create requires a NAME")
		return 1
	}
	name := args[0]
	fs := flag.NewFlagSet("checkpoint create", flag.ContinueOnError)
	rf, argv, err := parseRunFlags(fs, args[1:])
	if err != nil {
		return 1
	}
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "shuru: missing command after --")
		return 1
	}

	cfg, err := config.Load(rf.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	mounts, err := parseMounts(rf.mounts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}

	code, prepared, runErr := runOnce(rf, cfg, argv, mounts, nil, log, true)
	if runErr != nil {
		if prepared != nil {
			_ = prepared.Cleanup()
		}
		fmt.Fprintln(os.Stderr, "shuru:", runErr)
		return 1
	}
	_, err = checkpoint.CreateCheckpoint(context.Background(), name, prepared, func() (int, error) { return code, nil })
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	return code
}

func cmdCheckpointList() int {
	infos, err := checkpoint.ListCheckpoints()
	if err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	for _, i := range infos {
		fmt.Printf("%s\t%d bytes\t%s ago\n", i.Name, i.Size, i.Age.Round(time.Second))
	}
	return 0
}

func cmdCheckpointDelete(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "shuru: checkpoint delete requires a NAME")
		return 1
	}
	if err := checkpoint.DeleteCheckpoint(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "shuru:", err)
		return 1
	}
	return 0
}

func cmdInit() int {
	fmt.Fprintln(os.Stderr, "shuru: init is a housekeeping command (image download) outside this system's scope")
	return 0
}

func cmdPrune() int {
	fmt.Fprintln(os.Stderr, "shuru: prune is a housekeeping command outside this system's scope")
	return 0
}

// parseMounts parses HOST:GUEST or HOST:GUEST:ro|rw specs per SPEC_FULL.md
// §6: the guest path must be absolute, and the host path is canonicalised
// with filepath.Abs and must exist on disk.
func parseMounts(specs []string) ([]vm.MountConfig, error) {
	var out []vm.MountConfig
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid mount spec %q", s)
		}
		persistent := false
		if len(parts) == 3 {
			switch parts[2] {
			case "rw":
				persistent = true
			case "ro":
				persistent = false
			default:
				return nil, fmt.Errorf("invalid mount mode %q", parts[2])
			}
		}

		guestPath := parts[1]
		if !filepath.IsAbs(guestPath) {
			return nil, fmt.Errorf("invalid mount spec %q: guest path must be absolute", s)
		}

		hostPath, err := filepath.Abs(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid mount spec %q: %w", s, err)
		}
		if _, err := os.Stat(hostPath); err != nil {
			return nil, fmt.Errorf("invalid mount spec %q: host path %q: %w", s, hostPath, err)
		}

		out = append(out, vm.MountConfig{HostPath: hostPath, GuestPath: guestPath, Persistent: persistent})
	}
	return out, nil
}

func parsePorts(specs []string) ([]forward.PortMapping, error) {
	var out []forward.PortMapping
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid port spec %q", s)
		}
		host, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil || host == 0 {
			return nil, fmt.Errorf("invalid host port %q", parts[0])
		}
		guest, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil || guest == 0 {
			return nil, fmt.Errorf("invalid guest port %q", parts[1])
		}
		out = append(out, forward.PortMapping{HostPort: uint16(host), GuestPort: uint16(guest)})
	}
	return out, nil
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
