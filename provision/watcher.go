package provision

import (
	"context"
	"path/filepath"

	"github.com/sagernet/fswatch"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

// Watcher refreshes the working copies whenever a bundled rule file changes
// on disk. Only meaningful for directory-backed assets.
type Watcher struct {
	ctx         context.Context
	logger      log.ContextLogger
	provisioner *Provisioner
	watcher     *fswatch.Watcher
}

func NewWatcher(ctx context.Context, logger log.ContextLogger, provisioner *Provisioner, assetDirectory string) (*Watcher, error) {
	if assetDirectory == "" {
		return nil, E.New("missing asset directory")
	}
	w := &Watcher{
		ctx:         ctx,
		logger:      logger,
		provisioner: provisioner,
	}
	var paths []string
	for _, ruleFile := range provisioner.RuleFiles() {
		filePath, _ := filepath.Abs(filepath.Join(assetDirectory, filepath.FromSlash(ruleFile.AssetPath(provisioner.assetPrefix))))
		paths = append(paths, filePath)
	}
	watcher, err := fswatch.NewWatcher(fswatch.Options{
		Path: paths,
		Callback: func(path string) {
			logger.InfoContext(ctx, "asset changed: ", path)
			rErr := provisioner.Refresh(ctx)
			if rErr != nil {
				logger.ErrorContext(ctx, E.Cause(rErr, "refresh rule files"))
			}
		},
	})
	if err != nil {
		return nil, E.Cause(err, "fswatch: create fsnotify watcher")
	}
	w.watcher = watcher
	return w, nil
}

func (w *Watcher) Start() error {
	return w.watcher.Start()
}

func (w *Watcher) Close() error {
	return common.Close(common.PtrOrNil(w.watcher))
}
