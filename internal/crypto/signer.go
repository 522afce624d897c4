package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Signer signs keeper transactions with a secp256k1 key for one chain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

var _ domain.Signer = (*Signer)(nil)

// NewSigner creates a Signer from a hex-encoded private key (with or without
// 0x prefix) for the given chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: chain id must be positive, got %d", chainID)
	}
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the checksummed address derived from the key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// ChainID returns the chain the signer was built for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the signer's chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// String never prints key material.
func (s *Signer) String() string {
	return fmt.Sprintf("Signer{address:%s chain:%s}", s.address.Hex(), s.chainID)
}
