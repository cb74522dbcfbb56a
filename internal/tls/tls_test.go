package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.String() == "127.0.0.1" }) {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < selfSignedValidity || validDuration > selfSignedValidity+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, selfSignedValidity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCert_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.test", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "mail.test" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || len(leaf.IPAddresses) != 1 {
		t.Errorf("SANs: got DNS %v, IP %v", leaf.DNSNames, leaf.IPAddresses)
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := ServerConfig("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, standardtls.VersionTLS12)
	}
}

func TestServerConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		certFile string
		keyFile  string
	}{
		{name: "missing files", certFile: "/nonexistent/cert.pem", keyFile: "/nonexistent/key.pem"},
		{name: "only cert", certFile: "/nonexistent/cert.pem"},
		{name: "only key", keyFile: "/nonexistent/key.pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ServerConfig(tt.certFile, tt.keyFile); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// writePair stores a generated key pair as PEM files and returns their paths.
func writePair(t *testing.T, cert *standardtls.Certificate) (string, string) {
	t.Helper()
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	certPath, keyPath := writePair(t, cert)

	cfg, err := ServerConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
}

func TestClientConfig(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	certPath, _ := writePair(t, cert)

	cfg, err := ClientConfig(ClientOptions{ServerName: "localhost", CAFile: certPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || cfg.ServerName != "localhost" || cfg.InsecureSkipVerify {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := ClientConfig(ClientOptions{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for a missing CA file")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("nothing"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(ClientOptions{CAFile: empty}); err == nil {
		t.Error("expected error for a CA file without certificates")
	}
}

func TestHandshakeWithCertPool(t *testing.T) {
	t.Parallel()

	serverCfg, err := ServerConfig("", "")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := CertPool(&serverCfg.Certificates[0])
	if err != nil {
		t.Fatal(err)
	}

	ln, err := standardtls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*standardtls.Conn).Handshake()
	}()

	clientCfg, err := ClientConfig(ClientOptions{ServerName: "localhost"})
	if err != nil {
		t.Fatal(err)
	}
	clientCfg.RootCAs = pool

	conn, err := standardtls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	_ = conn.Close()
}

func TestCertPool_Empty(t *testing.T) {
	t.Parallel()

	if _, err := CertPool(&standardtls.Certificate{}); err == nil {
		t.Error("expected error for empty certificate")
	}
}
