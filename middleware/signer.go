package middleware

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"google.golang.org/grpc/credentials"

	"github.com/breez/table-sync/transport"
)

// KeySigner signs the requests of a client with its secp256k1 key. The node
// id of the client is the hex encoded compressed public key.
type KeySigner struct {
	key    *btcec.PrivateKey
	nodeID string
}

func NewKeySigner(key *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		key:    key,
		nodeID: hex.EncodeToString(key.PubKey().SerializeCompressed()),
	}
}

// ParsePrivateKey decodes a hex encoded private key.
func ParsePrivateKey(keyHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key has %d bytes", len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

func (s *KeySigner) NodeID() string {
	return s.nodeID
}

func (s *KeySigner) SignRequest(req *transport.Request) error {
	req.ClientID = s.nodeID
	if req.RequestTime == 0 {
		req.RequestTime = time.Now().Unix()
	}
	sig, err := SignMessage(s.key, []byte(RequestMessage(req)))
	if err != nil {
		return err
	}
	req.Signature = sig
	return nil
}

func (s *KeySigner) SignWatch(req *transport.WatchRequest) error {
	req.ClientID = s.nodeID
	req.RequestTime = time.Now().Unix()
	sig, err := SignMessage(s.key, []byte(WatchMessage(req)))
	if err != nil {
		return err
	}
	req.Signature = sig
	return nil
}

// ApiKey sends a base64 encoded client certificate as bearer token with
// every call.
type ApiKey string

var _ credentials.PerRPCCredentials = ApiKey("")

func (k ApiKey) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(k)}, nil
}

func (k ApiKey) RequireTransportSecurity() bool {
	return false
}
