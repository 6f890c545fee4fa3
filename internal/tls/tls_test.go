package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed certificate and key for localhost
// into dir and returns their paths.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
	s, err := NewServerTLSConfig(ServerConfig{})
	if err != nil || s != nil {
		t.Errorf("server: %v, %v", s, err)
	}
	c, err := NewClientTLSConfig(ClientConfig{})
	if err != nil || c != nil {
		t.Errorf("client: %v, %v", c, err)
	}
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())
	badCA := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(badCA, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		cfg        ServerConfig
		wantErr    bool
		wantClient tls.ClientAuthType
	}{
		{"valid", ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}, false, tls.NoClientCert},
		{"mtls", ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile, ClientAuth: true}, false, tls.RequireAndVerifyClientCert},
		{"missing cert", ServerConfig{Enabled: true, CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"}, true, 0},
		{"client auth without CA", ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientAuth: true}, true, 0},
		{"missing CA", ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: "/nonexistent/ca.pem", ClientAuth: true}, true, 0},
		{"unparsable CA", ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: badCA, ClientAuth: true}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewServerTLSConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.MinVersion != tls.VersionTLS12 || len(got.Certificates) != 1 {
				t.Errorf("unexpected config: %+v", got)
			}
			if got.ClientAuth != tt.wantClient {
				t.Errorf("ClientAuth = %v, want %v", got.ClientAuth, tt.wantClient)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	got, err := NewClientTLSConfig(ClientConfig{
		Enabled:            true,
		CertFile:           certFile,
		KeyFile:            keyFile,
		CAFile:             certFile,
		InsecureSkipVerify: true,
		ServerName:         "metrics.internal",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Certificates) != 1 || got.RootCAs == nil {
		t.Error("client certificate or CA pool not loaded")
	}
	if !got.InsecureSkipVerify || got.ServerName != "metrics.internal" {
		t.Errorf("unexpected config: %+v", got)
	}

	for _, cfg := range []ClientConfig{
		{Enabled: true, CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"},
		{Enabled: true, CAFile: "/nonexistent/ca.pem"},
	} {
		if _, err := NewClientTLSConfig(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
