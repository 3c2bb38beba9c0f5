package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"

	"github.com/breez/table-sync/transport"
)

// MaxClockSkew bounds how far the time of a signed request may be from the
// server's clock.
const MaxClockSkew = 10 * time.Minute

type pubkeyContextKey struct{}

var ErrInvalidSignature = errors.New("invalid signature")
var ErrClientMismatch = errors.New("client id does not match signing key")
var ErrStaleRequest = errors.New("request time out of range")
var SignedMsgPrefix = []byte("tablesync:")

// Authenticator verifies the api key and the signature of client requests.
type Authenticator struct {
	caCert *x509.Certificate
	now    func() time.Time
}

// NewAuthenticator returns an authenticator. Without a CA certificate the
// api key is not checked.
func NewAuthenticator(caCert *x509.Certificate) *Authenticator {
	return &Authenticator{caCert: caCert, now: time.Now}
}

func (a *Authenticator) checkApiKey(ctx context.Context) error {
	if a.caCert == nil {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("could not read request metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return fmt.Errorf("missing auth header")
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("could not decode auth header: %w", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(a.caCert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:     rootPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %w", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(a.caCert) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

// AuthenticateRequest checks a protocol request and returns a context
// carrying the hex public key of its signer.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, req *transport.Request) (context.Context, error) {
	return a.authenticate(ctx, req.ClientID, req.RequestTime, RequestMessage(req), req.Signature)
}

// AuthenticateWatch checks a watch subscription.
func (a *Authenticator) AuthenticateWatch(ctx context.Context, req *transport.WatchRequest) (context.Context, error) {
	return a.authenticate(ctx, req.ClientID, req.RequestTime, WatchMessage(req), req.Signature)
}

func (a *Authenticator) authenticate(ctx context.Context, clientID string, requestTime int64, toVerify, signature string) (context.Context, error) {
	if err := a.checkApiKey(ctx); err != nil {
		return nil, err
	}

	sent := time.Unix(requestTime, 0)
	if skew := a.now().Sub(sent); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, fmt.Errorf("%w: %v", ErrStaleRequest, sent)
	}

	pubkey, err := VerifyMessage([]byte(toVerify), signature)
	if err != nil {
		return nil, err
	}

	pubkeyHex := hex.EncodeToString(pubkey.SerializeCompressed())
	if clientID != pubkeyHex {
		return nil, ErrClientMismatch
	}
	return context.WithValue(ctx, pubkeyContextKey{}, pubkeyHex), nil
}

// PubkeyFromContext returns the key an authenticated request was signed with.
func PubkeyFromContext(ctx context.Context) (string, bool) {
	pubkey, ok := ctx.Value(pubkeyContextKey{}).(string)
	return pubkey, ok
}

// RequestMessage returns the text a protocol request is signed over. The
// payload is included by its digest.
func RequestMessage(req *transport.Request) string {
	digest := sha256.Sum256(req.Payload)
	part := ""
	if req.Part != nil {
		part = fmt.Sprintf("%v/%v/%v/%v", req.Part.Table, req.Part.Index, req.Part.IsLast, req.Part.RowCount)
	}
	return fmt.Sprintf(
		"%v-%v-%v-%v-%v-%v-%v-%x",
		req.SessionID,
		req.Step,
		req.ScopeName,
		req.ClientID,
		req.RequestTime,
		req.PartIndex,
		part,
		digest,
	)
}

func WatchMessage(req *transport.WatchRequest) string {
	return fmt.Sprintf("%v-%v-%v", req.ScopeName, req.ClientID, req.RequestTime)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	digest := chainhash.DoubleHashB(prefixed(msg))
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	first := sha256.Sum256(prefixed(message))
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}

func prefixed(msg []byte) []byte {
	out := make([]byte, 0, len(SignedMsgPrefix)+len(msg))
	out = append(out, SignedMsgPrefix...)
	return append(out, msg...)
}
