package provision

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sagernet/sing-vpn/common/baderror"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/option"
	E "github.com/sagernet/sing/common/exceptions"
)

var ErrProvisioning = E.New("provisioning failed")

type Options struct {
	Logger log.ContextLogger
	// Assets is the bundled read-only asset store.
	Assets      fs.FS
	AssetPrefix string
	RuleFiles   []option.RuleFile
	// Directory receives the rule files, defaults to the run directory under
	// the base path.
	Directory string
}

type Provisioner struct {
	logger      log.ContextLogger
	assets      fs.FS
	assetPrefix string
	ruleFiles   []option.RuleFile
	directory   string
}

func NewProvisioner(options Options) *Provisioner {
	provisioner := &Provisioner{
		logger:      options.Logger,
		assets:      options.Assets,
		assetPrefix: options.AssetPrefix,
		ruleFiles:   options.RuleFiles,
		directory:   options.Directory,
	}
	if provisioner.logger == nil {
		provisioner.logger = log.NewNOPFactory().Logger()
	}
	if provisioner.assetPrefix == "" {
		provisioner.assetPrefix = C.DefaultAssetPrefix
	}
	if len(provisioner.ruleFiles) == 0 {
		provisioner.ruleFiles = option.DefaultRuleFiles
	}
	if provisioner.directory == "" {
		provisioner.directory = C.RunDirectory()
	}
	return provisioner
}

func NewFromOptions(logger log.ContextLogger, options option.ProvisionOptions) *Provisioner {
	var assets fs.FS
	if options.AssetDirectory != "" {
		assets = os.DirFS(options.AssetDirectory)
	}
	return NewProvisioner(Options{
		Logger:      logger,
		Assets:      assets,
		AssetPrefix: options.AssetPrefix,
		RuleFiles:   options.RuleFiles,
	})
}

func (p *Provisioner) Directory() string {
	return p.directory
}

func (p *Provisioner) RuleFiles() []option.RuleFile {
	return p.ruleFiles
}

// Ensure copies the full rule file set from the assets if any file is absent
// or empty. When every file is already present it performs no writes.
func (p *Provisioner) Ensure(ctx context.Context) error {
	err := p.prepareDirectory()
	if err != nil {
		return err
	}
	missing := p.missingFiles()
	if len(missing) == 0 {
		p.logger.DebugContext(ctx, "rule files present in ", p.directory)
		return nil
	}
	p.logger.InfoContext(ctx, "missing rule files: ", missing, ", copying from assets")
	return p.copyAll(ctx)
}

// Refresh overwrites every rule file from the assets unconditionally.
func (p *Provisioner) Refresh(ctx context.Context) error {
	err := p.prepareDirectory()
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "refreshing rule files in ", p.directory)
	return p.copyAll(ctx)
}

func (p *Provisioner) prepareDirectory() error {
	err := os.MkdirAll(p.directory, 0o755)
	if err != nil {
		return baderror.WithKind(ErrProvisioning, err, "create working directory")
	}
	return nil
}

func (p *Provisioner) missingFiles() []string {
	var missing []string
	for _, ruleFile := range p.ruleFiles {
		if !nonEmptyFile(filepath.Join(p.directory, ruleFile.Name)) {
			missing = append(missing, ruleFile.Name)
		}
	}
	return missing
}

func (p *Provisioner) copyAll(ctx context.Context) error {
	if p.assets == nil {
		return baderror.WithKind(ErrProvisioning, os.ErrInvalid, "missing asset source")
	}
	for _, ruleFile := range p.ruleFiles {
		err := ctx.Err()
		if err != nil {
			return baderror.WithKind(ErrProvisioning, err)
		}
		written, err := p.copyFile(ruleFile)
		if err != nil {
			return baderror.WithKind(ErrProvisioning, err, "copy rule file ", ruleFile.Name)
		}
		p.logger.DebugContext(ctx, "copied ", ruleFile.Name, " (", written, " bytes)")
	}
	missing := p.missingFiles()
	if len(missing) > 0 {
		return baderror.WithKind(ErrProvisioning, E.New("rule files still missing after copy: ", missing))
	}
	return nil
}

func (p *Provisioner) copyFile(ruleFile option.RuleFile) (int64, error) {
	assetPath := ruleFile.AssetPath(p.assetPrefix)
	source, err := p.assets.Open(assetPath)
	if err != nil {
		return 0, E.Cause(err, "open asset ", assetPath)
	}
	defer source.Close()
	destinationPath := filepath.Join(p.directory, ruleFile.Name)
	temporary, err := os.CreateTemp(p.directory, "."+ruleFile.Name+".*")
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(temporary, source)
	closeErr := temporary.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written == 0 {
		err = E.New("empty asset ", assetPath)
	}
	if err == nil {
		err = os.Chmod(temporary.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(temporary.Name(), destinationPath)
	}
	if err != nil {
		os.Remove(temporary.Name())
		return 0, err
	}
	return written, nil
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
