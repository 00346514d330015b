//go:build darwin

// Package checkpoint manages per-instance working-disk clones and named
// checkpoint snapshots of the root filesystem.
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shuru-dev/shuru/internal/config"
	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/vm"
)

// CheckpointMissingError reports a --from name with no matching snapshot.
type CheckpointMissingError struct{ Name string }

func (e *CheckpointMissingError) Error() string {
	return fmt.Sprintf("checkpoint: %q not found", e.Name)
}

// PreparedVM is the resolved set of launch parameters for a single run,
// including the path to its freshly-cloned, per-instance working disk.
type PreparedVM struct {
	DataDir     string
	InstanceDir string
	WorkingDisk string
	KernelPath  string
	InitrdPath  string
	CPUs        uint
	MemoryMB    uint64
	DiskMB      uint64
	AllowNet    bool
	Mounts      []vm.MountConfig
}

// PrepareVM resolves config precedence, clones the source disk (checkpoint or
// base rootfs) into a fresh per-instance directory, and extends it to the
// requested size. The instance directory is named after the current process
// id, per Invariant (3): the working disk is never shared between concurrent
// VMs.
func PrepareVM(args config.VMArgs, cfg *config.ShuruConfig, from string, mounts []vm.MountConfig, log *logging.Logger) (*PreparedVM, error) {
	resolved := config.Resolve(args, cfg)

	dataDir := config.DataDir()
	kernelPath := config.KernelPath(args.Kernel)
	rootfsPath := config.RootfsPath(args.Rootfs)
	initrdPath := config.InitrdPath(args.Initrd)

	if _, err := os.Stat(kernelPath); err != nil {
		return nil, fmt.Errorf("checkpoint: kernel not found at %s: run `shuru init` to download it", kernelPath)
	}

	var source string
	if from != "" {
		source = filepath.Join(config.CheckpointsDir(), from+".ext4")
		if _, err := os.Stat(source); err != nil {
			return nil, &CheckpointMissingError{Name: from}
		}
	} else {
		source = rootfsPath
		if _, err := os.Stat(source); err != nil {
			return nil, fmt.Errorf("checkpoint: rootfs not found at %s: run `shuru init` to download it", source)
		}
	}

	if _, err := os.Stat(initrdPath); err != nil {
		if log != nil {
			log.Warn("initramfs not found, booting without it", "path", initrdPath)
		}
		initrdPath = ""
	}

	instanceDir := filepath.Join(config.InstancesDir(), fmt.Sprintf("%d", os.Getpid()))
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create instance dir: %w", err)
	}

	workingDisk := filepath.Join(instanceDir, "rootfs.ext4")
	if log != nil {
		log.Info("creating working copy", "source", source, "dest", workingDisk)
	}
	if err := cloneFile(source, workingDisk); err != nil {
		return nil, fmt.Errorf("checkpoint: clone working disk: %w", err)
	}
	if err := extend(workingDisk, resolved.DiskMB); err != nil {
		return nil, fmt.Errorf("checkpoint: extend working disk: %w", err)
	}

	return &PreparedVM{
		DataDir:     dataDir,
		InstanceDir: instanceDir,
		WorkingDisk: workingDisk,
		KernelPath:  kernelPath,
		InitrdPath:  initrdPath,
		CPUs:        uint(resolved.CPUs),
		MemoryMB:    resolved.MemoryMB,
		DiskMB:      resolved.DiskMB,
		AllowNet:    resolved.AllowNet,
		Mounts:      mounts,
	}, nil
}

// Cleanup removes the per-instance directory after the VM has stopped.
func (p *PreparedVM) Cleanup() error {
	if err := os.RemoveAll(p.InstanceDir); err != nil {
		return fmt.Errorf("checkpoint: instance cleanup: %w", err)
	}
	return nil
}

// cloneFile performs a plain file-to-file copy; on APFS this is turned into
// a copy-on-write clone by the filesystem, so no explicit clonefile(2) call
// is needed. A unique staging name avoids clobbering a partially written
// destination if two prepares race on the same source.
func cloneFile(src, dst string) error {
	staging := dst + "." + uuid.NewString() + ".tmp"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staging)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	return os.Rename(staging, dst)
}

func extend(path string, sizeMB uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeMB) * 1024 * 1024)
}

// CreateCheckpoint calls runExit to obtain the exit code of the command run
// against prepared (it starts no VM itself), then copies prepared's working
// disk into checkpoints/<name>.ext4 and removes the instance directory. An
// explicit host-side Sync precedes the copy in addition to the guest's own
// sync() before exit (SPEC_FULL §9, Open Question (a)).
func CreateCheckpoint(ctx context.Context, name string, prepared *PreparedVM, runExit func() (int, error)) (int, error) {
	code, err := runExit()
	if err != nil {
		return code, err
	}

	if err := syncFile(prepared.WorkingDisk); err != nil {
		return code, fmt.Errorf("checkpoint: sync working disk: %w", err)
	}

	if err := os.MkdirAll(config.CheckpointsDir(), 0o755); err != nil {
		return code, fmt.Errorf("checkpoint: create checkpoints dir: %w", err)
	}
	dest := filepath.Join(config.CheckpointsDir(), name+".ext4")
	if err := cloneFile(prepared.WorkingDisk, dest); err != nil {
		return code, fmt.Errorf("checkpoint: save %s: %w", name, err)
	}

	if err := prepared.Cleanup(); err != nil {
		return code, err
	}
	return code, nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Info describes one stored checkpoint for `checkpoint list`.
type Info struct {
	Name string
	Size int64
	Age  time.Duration
}

func ListCheckpoints() ([]Info, error) {
	entries, err := os.ReadDir(config.CheckpointsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	var infos []Info
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ext4" {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name: trimExt(e.Name()),
			Size: fi.Size(),
			Age:  now.Sub(fi.ModTime()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func DeleteCheckpoint(name string) error {
	path := filepath.Join(config.CheckpointsDir(), name+".ext4")
	if _, err := os.Stat(path); err != nil {
		return &CheckpointMissingError{Name: name}
	}
	return os.Remove(path)
}
