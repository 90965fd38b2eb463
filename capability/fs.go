package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MountMode is the permission level of a mount point.
type MountMode int

const (
	MountReadOnly MountMode = iota
	MountReadWrite
	// MountReadWriteCreate also allows creating files and directories.
	MountReadWriteCreate
)

func (m MountMode) String() string {
	switch m {
	case MountReadWrite:
		return "rw"
	case MountReadWriteCreate:
		return "rwc"
	default:
		return "ro"
	}
}

// Mount maps a virtual path seen by modules to a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// ParseMount parses "virtual:host[:ro|rw|rwc]".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount %q: want virtual:host[:mode]", spec)
	}
	m := Mount{VirtualPath: parts[0], HostPath: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.Mode = MountReadOnly
		case "rw":
			m.Mode = MountReadWrite
		case "rwc":
			m.Mode = MountReadWriteCreate
		default:
			return Mount{}, fmt.Errorf("invalid mount mode %q", parts[2])
		}
	}
	return m, nil
}

// FS backs core.fs over an explicit set of mounts.
type FS struct {
	mounts []Mount
}

func NewFS(mounts ...Mount) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return &FS{mounts: normalized}
}

func (f *FS) Definition() *Definition {
	return &Definition{
		Name: "core.fs",
		Methods: map[string]Func{
			"read":   f.Read,
			"write":  f.Write,
			"list":   f.List,
			"exists": f.Exists,
			"mkdir":  f.Mkdir,
			"remove": f.Remove,
			"stat":   f.Stat,
		},
	}
}

func (f *FS) mount(virtualPath string) (*Mount, string) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	for i := range f.mounts {
		m := &f.mounts[i]
		if vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			return m, vp
		}
	}
	return nil, vp
}

// resolve maps a virtual path to a host path and checks that mode permits
// the access.
func (f *FS) resolve(virtualPath string, need MountMode) (string, error) {
	m, vp := f.mount(virtualPath)
	if m == nil {
		return "", errors.New("permission denied: path not in any mount")
	}
	if m.Mode < need {
		switch need {
		case MountReadWriteCreate:
			return "", errors.New("permission denied: mount does not allow creation")
		default:
			return "", errors.New("permission denied: read-only mount")
		}
	}

	hostPath := filepath.Join(m.HostPath, strings.TrimPrefix(vp, m.VirtualPath))
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", errors.New("permission denied: path escape attempt")
	}
	return hostPath, nil
}

func pathArg(args map[string]any) (string, error) {
	p, ok := args["path"].(string)
	if !ok || p == "" {
		return "", errors.New("path required")
	}
	return p, nil
}

func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadOnly)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("read error: %w", err)
	}
	return string(data), nil
}

func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	hostPath, err := f.resolve(path, MountReadWrite)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) {
		if _, err := f.resolve(path, MountReadWriteCreate); err != nil {
			return nil, errors.New("permission denied: cannot create new files")
		}
	}
	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write error: %w", err)
	}
	return "ok", nil
}

func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadOnly)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("list error: %w", err)
	}

	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "is_dir": entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports false for paths outside every mount.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadOnly)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadWriteCreate)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir error: %w", err)
	}
	return "ok", nil
}

func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadWrite)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("remove error: %w", err)
	}
	return "ok", nil
}

func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, MountReadOnly)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("stat error: %w", err)
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}
