// Self-signed CA generation and the plain-HTTP cert bootstrap endpoint,
// grounded on the ECDSA self-signed certificate pattern found elsewhere
// in the retrieved pack (pkg/tls/selfsigned.go): a P256 key pair, a
// template used as both certificate and parent (a true self-signed leaf
// rather than a CA-signed chain, adequate for a single-box loopback
// gateway), PEM-encoded to disk so restarts reuse the same identity
// instead of re-minting a cert every boot.
package gateway

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
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
)

// ensureTLSCert loads an existing self-signed cert/key pair from certsDir,
// or mints a fresh one valid for a year, covering the loopback hostnames
// operators connect through.
func ensureTLSCert(certsDir string) (tls.Certificate, error) {
	certPath := filepath.Join(certsDir, certFileName)
	keyPath := filepath.Join(certsDir, keyFileName)

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: create certs dir: %w", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "moltis.localhost", Organization: []string{"moltis"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"moltis.localhost", "*.moltis.localhost", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("gateway: write key: %w", err)
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

// serveCertBootstrap runs a plain-HTTP listener whose only job is handing
// an unpaired client the CA certificate it needs to trust the HTTPS
// listener, and redirecting everything else to it. This lets a fresh
// client curl the cert over plain HTTP once, then speak TLS forever
// after.
func (s *Server) serveCertBootstrap(addr, certsDir, httpsAddr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/certs/ca.pem", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(certsDir, certFileName))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
