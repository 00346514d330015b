//go:build darwin

// Package vm is the opaque adapter over Apple's Virtualization.framework via
// github.com/Code-Hex/vz/v3. It is the only package in this module that
// names vz's native types; everything else sees State, *VM and net.Conn.
package vm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"

	"github.com/shuru-dev/shuru/internal/logging"
)

// State mirrors vz.VirtualMachineState in a package-neutral enumeration.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePausing
	StatePaused
	StateResuming
	StateStopping
	StateError
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func fromVZState(s vz.VirtualMachineState) State {
	switch s {
	case vz.VirtualMachineStateStopped:
		return StateStopped
	case vz.VirtualMachineStateRunning:
		return StateRunning
	case vz.VirtualMachineStateStarting:
		return StateStarting
	case vz.VirtualMachineStatePausing:
		return StatePausing
	case vz.VirtualMachineStatePaused:
		return StatePaused
	case vz.VirtualMachineStateResuming:
		return StateResuming
	case vz.VirtualMachineStateStopping:
		return StateStopping
	case vz.VirtualMachineStateError:
		return StateError
	default:
		return StateUnknown
	}
}

var (
	ErrUnsupportedPlatform = errors.New("vm: hardware virtualization unavailable or configuration unsupported")
	ErrIO                  = errors.New("vm: referenced file is missing")
	ErrVMStart             = errors.New("vm: failed to start")
	ErrVMStop              = errors.New("vm: failed to stop")
)

// MountConfig describes one virtio-fs directory share.
type MountConfig struct {
	HostPath   string
	GuestPath  string
	Persistent bool
}

// Config is the resolved set of parameters a VM is built from.
type Config struct {
	KernelPath string
	InitrdPath string
	DiskPath   string
	CPUCount   uint
	MemoryMB   uint64
	Quiet      bool
	Console    bool
	AllowNet   bool
	Mounts     []MountConfig
}

// Builder assembles a Config step by step; it exists mainly so callers such
// as cmd/shuru can fill in fields incrementally before calling Build.
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Kernel(path string) *Builder     { b.cfg.KernelPath = path; return b }
func (b *Builder) Initrd(path string) *Builder     { b.cfg.InitrdPath = path; return b }
func (b *Builder) Disk(path string) *Builder       { b.cfg.DiskPath = path; return b }
func (b *Builder) CPUs(n uint) *Builder            { b.cfg.CPUCount = n; return b }
func (b *Builder) MemoryMB(mb uint64) *Builder      { b.cfg.MemoryMB = mb; return b }
func (b *Builder) Quiet(q bool) *Builder           { b.cfg.Quiet = q; return b }
func (b *Builder) Console(c bool) *Builder         { b.cfg.Console = c; return b }
func (b *Builder) AllowNet(a bool) *Builder        { b.cfg.AllowNet = a; return b }
func (b *Builder) Mounts(m []MountConfig) *Builder { b.cfg.Mounts = m; return b }

// Handle is the subset of *VM that internal/session and internal/forward
// consume. Defining it as an interface lets those packages be exercised in
// tests against a fake in place of a real Virtualization.framework VM, which
// cannot be instantiated outside a real hypervisor session.
type Handle interface {
	ConnectVsock(ctx context.Context, port uint32) (net.Conn, error)
	StateChannel() <-chan State
	Stop(ctx context.Context, timeout time.Duration) error
}

// VM wraps a running (or not-yet-started) vz.VirtualMachine.
type VM struct {
	log *logging.Logger

	mu         sync.Mutex
	vzVM       *vz.VirtualMachine
	socketDev  *vz.VirtioSocketDevice
	consoleIn  *os.File
	consoleOut *os.File

	stateCh chan State
	stateMu sync.Mutex
}

// Build validates the referenced files and assembles (but does not start) a
// VM instance.
func (b *Builder) Build(log *logging.Logger) (*VM, error) {
	cfg := b.cfg
	for _, p := range []string{cfg.KernelPath, cfg.DiskPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIO, p, err)
		}
	}
	if cfg.InitrdPath != "" {
		if _, err := os.Stat(cfg.InitrdPath); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIO, cfg.InitrdPath, err)
		}
	}

	cmdLine := []string{"console=hvc0", "root=/dev/vda", "rw"}
	if cfg.Quiet {
		cmdLine = append(cmdLine, "quiet", "loglevel=3")
	}

	bootOpts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(strings.Join(cmdLine, " "))}
	if cfg.InitrdPath != "" {
		bootOpts = append(bootOpts, vz.WithInitrd(cfg.InitrdPath))
	}
	bootLoader, err := vz.NewLinuxBootLoader(cfg.KernelPath, bootOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: boot loader: %v", ErrUnsupportedPlatform, err)
	}

	cpus := cfg.CPUCount
	if cpus == 0 {
		cpus = 2
	}
	memBytes := cfg.MemoryMB * 1024 * 1024
	if memBytes == 0 {
		memBytes = 2 * 1024 * 1024 * 1024
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, cpus, memBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: vm config: %v", ErrUnsupportedPlatform, err)
	}

	diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.DiskPath, false)
	if err != nil {
		return nil, fmt.Errorf("%w: disk attachment: %v", ErrIO, err)
	}
	storageConfig, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
	if err != nil {
		return nil, fmt.Errorf("%w: storage config: %v", ErrUnsupportedPlatform, err)
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{storageConfig})

	if cfg.AllowNet {
		natAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, fmt.Errorf("%w: NAT attachment: %v", ErrUnsupportedPlatform, err)
		}
		networkConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
		if err != nil {
			return nil, fmt.Errorf("%w: network config: %v", ErrUnsupportedPlatform, err)
		}
		mac, err := vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, fmt.Errorf("%w: MAC address: %v", ErrUnsupportedPlatform, err)
		}
		networkConfig.SetMACAddress(mac)
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{networkConfig})
	}

	var consoleIn, consoleOut *os.File
	if cfg.Console {
		serialAttachment, err := vz.NewFileHandleSerialPortAttachment(os.Stdin, os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("%w: serial attachment: %v", ErrUnsupportedPlatform, err)
		}
		if err := attachSerial(vmConfig, serialAttachment); err != nil {
			return nil, err
		}
	} else {
		serialAttachment, err := vz.NewFileHandleSerialPortAttachment(nil, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("%w: serial attachment: %v", ErrUnsupportedPlatform, err)
		}
		if err := attachSerial(vmConfig, serialAttachment); err != nil {
			return nil, err
		}
	}

	vsockConfig, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("%w: vsock config: %v", ErrUnsupportedPlatform, err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{vsockConfig})

	entropyConfig, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("%w: entropy config: %v", ErrUnsupportedPlatform, err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropyConfig})

	balloonConfig, err := vz.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("%w: balloon config: %v", ErrUnsupportedPlatform, err)
	}
	vmConfig.SetMemoryBalloonDevicesVirtualMachineConfiguration([]vz.MemoryBalloonDeviceConfiguration{balloonConfig})

	var fsConfigs []vz.DirectorySharingDeviceConfiguration
	for i, m := range cfg.Mounts {
		tag := fmt.Sprintf("mount%d", i)
		sharedDir, err := vz.NewSharedDirectory(m.HostPath, !m.Persistent)
		if err != nil {
			return nil, fmt.Errorf("%w: shared directory %s: %v", ErrIO, m.HostPath, err)
		}
		dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
		if err != nil {
			return nil, fmt.Errorf("%w: directory share %s: %v", ErrUnsupportedPlatform, m.HostPath, err)
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return nil, fmt.Errorf("%w: fs config %s: %v", ErrUnsupportedPlatform, tag, err)
		}
		fsConfig.SetDirectoryShare(dirShare)
		fsConfigs = append(fsConfigs, fsConfig)
	}
	if len(fsConfigs) > 0 {
		vmConfig.SetDirectorySharingDevicesVirtualMachineConfiguration(fsConfigs)
	}

	valid, err := vmConfig.Validate()
	if err != nil || !valid {
		return nil, fmt.Errorf("%w: invalid configuration: %v", ErrUnsupportedPlatform, err)
	}

	vzVM, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create VM: %v", ErrUnsupportedPlatform, err)
	}

	return &VM{
		log:        log,
		vzVM:       vzVM,
		consoleIn:  consoleIn,
		consoleOut: consoleOut,
		stateCh:    make(chan State, 1),
	}, nil
}

func attachSerial(vmConfig *vz.VirtualMachineConfiguration, attachment *vz.FileHandleSerialPortAttachment) error {
	serialConfig, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		return fmt.Errorf("%w: serial config: %v", ErrUnsupportedPlatform, err)
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialConfig})
	return nil
}

// Start boots the VM and begins forwarding its native state-change
// notifications onto the coalescing State channel.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.vzVM.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrVMStart, err)
	}
	if devs := v.vzVM.SocketDevices(); len(devs) > 0 {
		v.socketDev = devs[0]
	}
	go v.monitor()
	return nil
}

func (v *VM) monitor() {
	for state := range v.vzVM.StateChangedNotify() {
		v.pushState(fromVZState(state))
	}
}

// pushState implements the single-slot, drop-oldest broadcast: a non-blocking
// drain followed by a non-blocking send guarantees the channel never holds a
// stale value once a fresher one exists.
func (v *VM) pushState(s State) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	select {
	case <-v.stateCh:
	default:
	}
	select {
	case v.stateCh <- s:
	default:
	}
	if v.log != nil {
		v.log.LogVMState(s.String())
	}
}

// StateChannel returns the coalescing state-notification channel.
func (v *VM) StateChannel() <-chan State { return v.stateCh }

// Stop requests a graceful shutdown, falling back to a forced stop if the
// guest does not acknowledge within the timeout.
func (v *VM) Stop(ctx context.Context, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vzVM.State() == vz.VirtualMachineStateStopped {
		return nil
	}
	if v.vzVM.CanRequestStop() {
		if _, err := v.vzVM.RequestStop(); err == nil {
			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if v.vzVM.State() == vz.VirtualMachineStateStopped {
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	if v.vzVM.CanStop() {
		if err := v.vzVM.Stop(); err != nil {
			return fmt.Errorf("%w: %v", ErrVMStop, err)
		}
	}
	return nil
}

// ConnectVsock opens a vsock stream to the guest on the given port.
func (v *VM) ConnectVsock(ctx context.Context, port uint32) (net.Conn, error) {
	v.mu.Lock()
	dev := v.socketDev
	v.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("vm: socket device not ready")
	}

	conn, err := dev.Connect(port)
	if err != nil {
		return nil, fmt.Errorf("vm: connect vsock port %d: %w", port, err)
	}
	return newVsockConn(conn, port), nil
}
