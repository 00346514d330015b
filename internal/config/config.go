// Package config loads the shuru.json configuration file and resolves its
// fields against CLI flags and built-in defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	DefaultCPUs     = 2
	DefaultMemoryMB = 2048
	DefaultDiskMB   = 4096
	defaultConfig   = "shuru.json"
)

// ShuruConfig is the optional, partially-specified shuru.json schema. Every
// field is a pointer/slice so "absent" is distinguishable from "zero value".
type ShuruConfig struct {
	CPUs     *int     `json:"cpus,omitempty"`
	MemoryMB *uint64  `json:"memory,omitempty"`
	DiskMB   *uint64  `json:"disk_size,omitempty"`
	AllowNet *bool    `json:"allow_net,omitempty"`
	Command  []string `json:"command,omitempty"`
	Ports    []string `json:"ports,omitempty"`
	Mounts   []string `json:"mounts,omitempty"`
}

// Load reads the config file at path (or ./shuru.json when path is empty).
// A missing default file is not an error; a missing explicitly-named file is.
func Load(path string) (*ShuruConfig, error) {
	explicit := path != ""
	if path == "" {
		path = defaultConfig
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &ShuruConfig{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ShuruConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// VMArgs holds the CLI-flag overrides for a run/checkpoint-create invocation.
// A nil pointer/empty slice means "not set on the command line".
type VMArgs struct {
	CPUs     *int
	MemoryMB *uint64
	DiskMB   *uint64
	AllowNet bool
	Kernel   string
	Rootfs   string
	Initrd   string
}

// Resolved is the final, merged set of launch parameters: CLI > config file >
// built-in default, exactly the precedence chain of the original prepare_vm.
type Resolved struct {
	CPUs     int
	MemoryMB uint64
	DiskMB   uint64
	AllowNet bool
}

func Resolve(args VMArgs, cfg *ShuruConfig) Resolved {
	r := Resolved{CPUs: DefaultCPUs, MemoryMB: DefaultMemoryMB, DiskMB: DefaultDiskMB}

	if cfg != nil {
		if cfg.CPUs != nil {
			r.CPUs = *cfg.CPUs
		}
		if cfg.MemoryMB != nil {
			r.MemoryMB = *cfg.MemoryMB
		}
		if cfg.DiskMB != nil {
			r.DiskMB = *cfg.DiskMB
		}
		if cfg.AllowNet != nil {
			r.AllowNet = *cfg.AllowNet
		}
	}

	if args.CPUs != nil {
		r.CPUs = *args.CPUs
	}
	if args.MemoryMB != nil {
		r.MemoryMB = *args.MemoryMB
	}
	if args.DiskMB != nil {
		r.DiskMB = *args.DiskMB
	}
	if args.AllowNet {
		r.AllowNet = true
	}

	return r
}

// DataDir returns $HOME/.local/share/shuru on every platform, built from
// xdg.Home rather than xdg.DataHome (which is ~/Library/Application Support
// on macOS).
func DataDir() string {
	return filepath.Join(xdg.Home, ".local", "share", "shuru")
}

// KernelPath, RootfsPath and InitrdPath resolve a file path from (in order)
// an explicit CLI flag, a SHURU_* environment override, then the default
// location under the data directory.
func KernelPath(flag string) string { return resolvePath(flag, "SHURU_KERNEL", "Image") }
func RootfsPath(flag string) string { return resolvePath(flag, "SHURU_ROOTFS", "rootfs.ext4") }
func InitrdPath(flag string) string {
	return resolvePath(flag, "SHURU_INITRD", "initramfs.cpio.gz")
}

func resolvePath(flag, envVar, defaultName string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(DataDir(), defaultName)
}

// CheckpointsDir and InstancesDir are fixed subdirectories of DataDir.
func CheckpointsDir() string { return filepath.Join(DataDir(), "checkpoints") }
func InstancesDir() string   { return filepath.Join(DataDir(), "instances") }
