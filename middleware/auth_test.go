package middleware

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/transport"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)

	_, err = VerifyMessage(message, "not zbase32 !")
	require.Error(t, err)
}

func newSigner(t *testing.T) *KeySigner {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	parsed, err := ParsePrivateKey(hex.EncodeToString(key.Serialize()))
	require.NoError(t, err)
	return NewKeySigner(parsed)
}

func signedRequest(t *testing.T, signer *KeySigner) *transport.Request {
	req := &transport.Request{
		SessionID: "s1",
		Step:      transport.StepApplyChanges,
		ScopeName: "notes",
		Part:      &batch.PartInfo{Table: "folders", Index: 2, RowCount: 3},
		Payload:   []byte("payload"),
	}
	require.NoError(t, signer.SignRequest(req))
	return req
}

func TestAuthenticateRequest(t *testing.T) {
	signer := newSigner(t)
	auth := NewAuthenticator(nil)

	req := signedRequest(t, signer)
	require.Equal(t, signer.NodeID(), req.ClientID)
	ctx, err := auth.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	pubkey, ok := PubkeyFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, signer.NodeID(), pubkey)

	tampered := signedRequest(t, signer)
	tampered.Payload = []byte("other payload")
	_, err = auth.AuthenticateRequest(context.Background(), tampered)
	require.Error(t, err)

	impersonated := signedRequest(t, signer)
	impersonated.ClientID = newSigner(t).NodeID()
	_, err = auth.AuthenticateRequest(context.Background(), impersonated)
	require.Error(t, err)

	auth.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = auth.AuthenticateRequest(context.Background(), signedRequest(t, signer))
	require.ErrorIs(t, err, ErrStaleRequest)
}

func TestAuthenticateWatch(t *testing.T) {
	signer := newSigner(t)
	auth := NewAuthenticator(nil)

	req := &transport.WatchRequest{ScopeName: "notes"}
	require.NoError(t, signer.SignWatch(req))
	_, err := auth.AuthenticateWatch(context.Background(), req)
	require.NoError(t, err)

	req.ScopeName = "other"
	_, err = auth.AuthenticateWatch(context.Background(), req)
	require.Error(t, err)
}

func newCertificate(t *testing.T, template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	if parent == nil {
		parent, parentKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestApiKey(t *testing.T) {
	now := time.Now()
	ca, caKey := newCertificate(t, &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}, nil, nil)
	client, _ := newCertificate(t, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, ca, caKey)

	signer := newSigner(t)
	auth := NewAuthenticator(ca)

	_, err := auth.AuthenticateRequest(context.Background(), signedRequest(t, signer))
	require.Error(t, err, "metadata is required")

	md, err := ApiKey(base64.StdEncoding.EncodeToString(client.Raw)).GetRequestMetadata(context.Background())
	require.NoError(t, err)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(md))
	_, err = auth.AuthenticateRequest(ctx, signedRequest(t, signer))
	require.NoError(t, err)

	other, _ := newCertificate(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "self signed"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
	}, nil, nil)
	md, err = ApiKey(base64.StdEncoding.EncodeToString(other.Raw)).GetRequestMetadata(context.Background())
	require.NoError(t, err)
	ctx = metadata.NewIncomingContext(context.Background(), metadata.New(md))
	_, err = auth.AuthenticateRequest(ctx, signedRequest(t, signer))
	require.Error(t, err)
}
