package authenticode

import (
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	p12 "software.sslmate.com/src/go-pkcs12"
)

// CheckPFX makes sure a pfx file opens with password and holds a
// certificate usable for code signing at now. Signing happens at the
// very end of a long build, so this is worth knowing up front.
func CheckPFX(path, password string, now time.Time) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	privateKey, cert, _, err := p12.DecodeChain(data, password)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	if privateKey == nil || cert == nil {
		return nil, errors.Errorf("%s has no key and certificate pair", path)
	}

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.Errorf("certificate %q is valid %s to %s",
			cert.Subject.CommonName,
			cert.NotBefore.Format(time.RFC3339),
			cert.NotAfter.Format(time.RFC3339),
		)
	}

	if len(cert.ExtKeyUsage) > 0 && !hasCodeSigning(cert) {
		return nil, errors.Errorf("certificate %q is not for code signing", cert.Subject.CommonName)
	}

	return cert, nil
}

func hasCodeSigning(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageCodeSigning || u == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}
