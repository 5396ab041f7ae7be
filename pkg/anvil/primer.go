package anvil

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/wisbric/chainowl/pkg/instance"
)

const (
	// livenessInterval is the poll cadence while waiting for a fresh node.
	livenessInterval = 100 * time.Millisecond

	// primeTimeout bounds the whole priming of one node.
	primeTimeout = 60 * time.Second
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Primer waits for a freshly started node to accept connections and preloads
// the first derived wallet balances.
type Primer struct {
	logger *slog.Logger
}

// NewPrimer creates a Primer.
func NewPrimer(logger *slog.Logger) *Primer {
	return &Primer{logger: logger}
}

// Prime blocks until the node at url answers a liveness probe, then sets the
// balance of each of the first spec.Accounts derived addresses.
func (p *Primer) Prime(ctx context.Context, url string, spec instance.LaunchNodeSpec) error {
	ctx, cancel := context.WithTimeout(ctx, primeTimeout)
	defer cancel()

	client, err := Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.WaitReady(ctx, livenessInterval); err != nil {
		return fmt.Errorf("waiting for node %s: %w", url, err)
	}

	balance := new(big.Int).Mul(big.NewInt(int64(spec.BalanceEther())), weiPerEther)

	addrs, err := DeriveAddresses(spec.EffectiveMnemonic(), spec.EffectiveDerivationPath(), spec.AccountCount())
	if err != nil {
		return err
	}

	for i, addr := range addrs {
		if err := client.SetBalance(ctx, addr, balance); err != nil {
			return fmt.Errorf("setting balance for account %d: %w", i, err)
		}
		p.logger.Debug("preloaded account balance",
			"url", url,
			"index", i,
			"address", addr.Hex(),
		)
	}

	return nil
}

// DeriveAddresses derives the first count addresses under the BIP-32 path
// prefix from a BIP-39 mnemonic. The account index is appended to the prefix.
func DeriveAddresses(mnemonic, pathPrefix string, count int) ([]common.Address, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("parsing mnemonic: %w", err)
	}

	addrs := make([]common.Address, 0, count)
	for i := 0; i < count; i++ {
		path, err := hdwallet.ParseDerivationPath(pathPrefix + strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("parsing derivation path %q: %w", pathPrefix, err)
		}
		account, err := wallet.Derive(path, false)
		if err != nil {
			return nil, fmt.Errorf("deriving account %d: %w", i, err)
		}
		addrs = append(addrs, account.Address)
	}
	return addrs, nil
}
