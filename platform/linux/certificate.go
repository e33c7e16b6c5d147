//go:build linux

package linux

import (
	"encoding/pem"
	"os"

	"github.com/sagernet/sing/common/rw"
)

var certificateFiles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
	"/etc/ssl/cert.pem",
}

// SystemCertificates returns the PEM blocks of the first system bundle found.
func (h *Host) SystemCertificates() ([]string, error) {
	for _, path := range certificateFiles {
		if !rw.IsFile(path) {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return splitCertificates(content), nil
	}
	return nil, os.ErrNotExist
}

func splitCertificates(content []byte) []string {
	var certificates []string
	for {
		var block *pem.Block
		block, content = pem.Decode(content)
		if block == nil {
			return certificates
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		certificates = append(certificates, string(pem.EncodeToMemory(block)))
	}
}
