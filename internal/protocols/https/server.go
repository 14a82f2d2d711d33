package https

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	httpproto "github.com/mountebank-testing/mbengine/internal/protocols/http"
	"github.com/mountebank-testing/mbengine/internal/util"
)

var (
	defaultOnce sync.Once
	defaultCert tls.Certificate
	defaultPEM  []byte
	defaultErr  error
)

// Create starts an HTTPS imposter. Without a configured key pair the imposter
// serves a self-signed certificate generated once per process.
func Create(config *models.ImposterConfig, logger *util.Logger, source httpproto.ResponseSource) (*httpproto.Server, error) {
	tlsConfig, err := tlsConfigFor(config)
	if err != nil {
		return nil, util.NewValidationError(fmt.Sprintf("invalid certificate: %v", err), config.Cert)
	}

	listener, err := tls.Listen("tcp", net.JoinHostPort(config.Host, fmt.Sprint(config.Port)), tlsConfig)
	if err != nil {
		return nil, util.NewProtocolError(fmt.Sprintf("cannot bind port %d: %v", config.Port, err), config.Port, nil)
	}
	return httpproto.Serve(listener, "https", config, logger, source), nil
}

func tlsConfigFor(config *models.ImposterConfig) (*tls.Config, error) {
	var certificate tls.Certificate
	var certPEM []byte
	if config.Cert != "" && config.Key != "" {
		var err error
		certPEM = []byte(config.Cert)
		certificate, err = tls.X509KeyPair(certPEM, []byte(config.Key))
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		certificate, certPEM, err = selfSigned()
		if err != nil {
			return nil, err
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if config.MutualAuth {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(certPEM)
		tlsConfig.ClientAuth = tls.RequestClientCert
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

func selfSigned() (tls.Certificate, []byte, error) {
	defaultOnce.Do(func() {
		defaultCert, defaultPEM, defaultErr = generateCertificate()
	})
	return defaultCert, defaultPEM, defaultErr
}

func generateCertificate() (tls.Certificate, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"mbengine"},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return certificate, certPEM, nil
}
