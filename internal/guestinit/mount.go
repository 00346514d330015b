//go:build linux

package guestinit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/shuru-dev/shuru/internal/protocol"
)

// mountRequestFromLine decodes a MountRequest and performs the mount,
// returning the MountResponse to send back. Decode errors are reported the
// same way as mount failures: {ok:false, error:...}.
func mountRequestFromLine(line []byte, req *protocol.MountRequest) protocol.MountResponse {
	if err := json.Unmarshal(line, req); err != nil {
		return protocol.MountResponse{OK: false, Error: fmt.Sprintf("decode mount request: %v", err)}
	}
	if err := doMount(*req); err != nil {
		return protocol.MountResponse{OK: false, Error: err.Error()}
	}
	return protocol.MountResponse{OK: true}
}

// doMount creates the guest mountpoint and mounts the virtio-fs device
// identified by tag. A persistent mount goes straight to the guest path; a
// non-persistent one is mounted read-only at /mnt/<tag> and an overlay with
// its upper and work dirs under /tmp (tmpfs) is mounted at the guest path, so
// guest writes never escape to the host.
func doMount(req protocol.MountRequest) error {
	if err := os.MkdirAll(req.GuestPath, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", req.GuestPath, err)
	}

	if req.Persistent {
		if err := unix.Mount(req.Tag, req.GuestPath, "virtiofs", 0, ""); err != nil {
			return fmt.Errorf("mount virtiofs %s at %s: %w", req.Tag, req.GuestPath, err)
		}
		return nil
	}

	lower := filepath.Join("/mnt", req.Tag)
	if err := os.MkdirAll(lower, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", lower, err)
	}
	if err := unix.Mount(req.Tag, lower, "virtiofs", unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mount virtiofs %s at %s: %w", req.Tag, lower, err)
	}

	upper := filepath.Join("/tmp", req.Tag, "upper")
	work := filepath.Join("/tmp", req.Tag, "work")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", upper, err)
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", work, err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", req.GuestPath, "overlay", 0, opts); err != nil {
		return fmt.Errorf("overlay mount at %s: %w", req.GuestPath, err)
	}
	return nil
}
