package option

import (
	"path"
	"strings"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

type ProvisionOptions struct {
	AssetDirectory string     `json:"asset_directory,omitempty"`
	AssetPrefix    string     `json:"asset_prefix,omitempty"`
	RuleFiles      []RuleFile `json:"rule_files,omitempty"`
	Watch          bool       `json:"watch,omitempty"`
	CacheFile      string     `json:"cache_file,omitempty"`
}

// RuleFile names a rule file provisioned into the run directory and the asset
// subdirectory it is copied from.
type RuleFile struct {
	Name      string `json:"name"`
	Directory string `json:"directory,omitempty"`
}

func (f RuleFile) AssetPath(prefix string) string {
	return path.Join(prefix, f.Directory, f.Name)
}

var DefaultRuleFiles = []RuleFile{
	{Name: "geosite-private.srs", Directory: "geosite"},
	{Name: "geosite-cn.srs", Directory: "geosite"},
	{Name: "geoip-cn.srs", Directory: "geoip"},
}

func checkProvisionOptions(options *ProvisionOptions) error {
	var names []string
	for _, ruleFile := range options.RuleFiles {
		if ruleFile.Name == "" {
			return E.New("rule file: missing name")
		}
		if strings.ContainsAny(ruleFile.Name, `/\`) {
			return E.New("rule file: name must not contain a path separator: ", ruleFile.Name)
		}
		if common.Contains(names, ruleFile.Name) {
			return E.New("rule file: duplicate name: ", ruleFile.Name)
		}
		names = append(names, ruleFile.Name)
	}
	return nil
}
