package constant

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/sagernet/sing/common/rw"
)

const dirName = "sing-vpn"

const (
	RunDirectoryName   = "run"
	CacheFileName      = "cache.db"
	CommandSocketName  = "command.sock"
	ServiceErrorName   = "service_error"
	DefaultAssetPrefix = "assets/datas"
)

var (
	pathAccess sync.RWMutex
	basePath   string
)

func SetBasePath(path string) {
	pathAccess.Lock()
	defer pathAccess.Unlock()
	basePath = path
}

// BasePath resolves name against the working directory. Absolute names are
// returned unchanged.
func BasePath(name string) string {
	pathAccess.RLock()
	defer pathAccess.RUnlock()
	if basePath == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(basePath, name)
}

func RunDirectory() string {
	return BasePath(RunDirectoryName)
}

// FindPath looks for an existing file named name, in the current directory
// first and then under each config directory, with and without a sing-vpn
// subdirectory.
func FindPath(name string) (string, bool) {
	name = os.ExpandEnv(name)
	if rw.IsFile(name) {
		return name, true
	}
	if filepath.IsAbs(name) {
		return name, false
	}
	for _, dir := range configDirectories() {
		if path := filepath.Join(dir, dirName, name); rw.IsFile(path) {
			return path, true
		}
		if path := filepath.Join(dir, name); rw.IsFile(path) {
			return path, true
		}
	}
	return name, false
}

func configDirectories() []string {
	var directories []string
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		directories = append(directories, userConfigDir)
	}
	return append(directories, systemConfigDirectories...)
}
