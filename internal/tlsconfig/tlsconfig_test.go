package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSelfSignedPEM(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relayd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	keyPath = filepath.Join(dir, "key.pem")
	certPath = filepath.Join(dir, "cert.pem")

	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	return keyPath, certPath
}

func TestBuild_LoadsPKCS8PEMPair(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSignedPEM(t, dir)

	cfg, err := Build(Options{KeyPath: keyPath, CertPath: certPath, NextProtos: []string{"h3", "rush"}})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, []string{"h3", "rush"}, cfg.NextProtos)
}

func TestBuild_MissingKeyIsError(t *testing.T) {
	dir := t.TempDir()
	_, certPath := writeSelfSignedPEM(t, dir)

	_, err := Build(Options{KeyPath: filepath.Join(dir, "nope.pem"), CertPath: certPath})
	require.Error(t, err)
}

func TestBuild_MalformedCertificateIsError(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeSelfSignedPEM(t, dir)

	badCert := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(badCert, []byte("not a cert"), 0644))

	_, err := Build(Options{KeyPath: keyPath, CertPath: badCert})
	require.Error(t, err)
}

func TestWatch_ReloadsCertificateOnRewrite(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSignedPEM(t, dir)

	watcher, initial, err := Watch(zap.NewNop(), keyPath, certPath)
	require.NoError(t, err)
	defer watcher.Close()

	got, err := watcher.Current(nil)
	require.NoError(t, err)
	require.Equal(t, initial.Certificate, got.Certificate)

	// Rewrite a fresh self-signed pair in place at the same paths; the
	// watcher must pick it up without a restart.
	_, _ = writeSelfSignedPEM(t, dir)
	require.Eventually(t, func() bool {
		reloaded, err := watcher.Current(nil)
		if err != nil {
			return false
		}
		return string(reloaded.Certificate[0]) != string(initial.Certificate[0])
	}, 2*time.Second, 20*time.Millisecond)
}
