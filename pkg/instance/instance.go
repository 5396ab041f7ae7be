package instance

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Defaults applied to LaunchNodeSpec fields left empty by the caller.
const (
	DefaultAccounts       = 2
	DefaultBalance        = 1000
	DefaultMnemonic       = "test test test test test test test test test test test junk"
	DefaultDerivationPath = "m/44'/60'/0'/"

	// NodePort is the port every node listens on inside the fabric network.
	NodePort = 8545

	// ExternalIDLength is the length of the random public instance handle.
	ExternalIDLength = 24
)

// NodeEndpoint describes a started blockchain node within an instance.
type NodeEndpoint struct {
	ID                  string   `json:"id"`
	IP                  string   `json:"ip"`
	Port                int      `json:"port"`
	ExtraAllowedMethods []string `json:"extra_allowed_methods,omitempty"`
}

// DaemonEndpoint describes a companion sidecar container.
type DaemonEndpoint struct {
	ID string `json:"id"`
}

// LaunchNodeSpec holds the caller-provided options for a single node.
// Zero values fall back to the configured or package defaults.
type LaunchNodeSpec struct {
	Image               string   `json:"image,omitempty"`
	Accounts            int      `json:"accounts,omitempty"`
	Balance             int      `json:"balance,omitempty"`
	Mnemonic            string   `json:"mnemonic,omitempty"`
	DerivationPath      string   `json:"derivation_path,omitempty"`
	ForkURL             string   `json:"fork_url,omitempty"`
	ExtraAllowedMethods []string `json:"extra_allowed_methods,omitempty"`
}

// LaunchDaemonSpec holds the caller-provided options for a daemon container.
type LaunchDaemonSpec struct {
	Image string `json:"image"`
}

// CreateInstanceRequest is the body of POST /instances.
type CreateInstanceRequest struct {
	InstanceID      string                      `json:"instance_id"`
	Timeout         int                         `json:"timeout"`
	AnvilInstances  map[string]LaunchNodeSpec   `json:"anvil_instances"`
	DaemonInstances map[string]LaunchDaemonSpec `json:"daemon_instances,omitempty"`
}

// Record is the authoritative per-instance row persisted in the store.
type Record struct {
	InstanceID      string                    `json:"instance_id"`
	ExternalID      string                    `json:"external_id"`
	CreatedAt       float64                   `json:"created_at"`
	ExpiresAt       float64                   `json:"expires_at"`
	AnvilInstances  map[string]NodeEndpoint   `json:"anvil_instances"`
	DaemonInstances map[string]DaemonEndpoint `json:"daemon_instances"`
	Metadata        map[string]any            `json:"metadata"`
}

// Expired reports whether the record's lifetime has elapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= float64(now.Unix())
}

// Node returns the endpoint for the given node id, or nil if unknown.
func (r *Record) Node(nodeID string) *NodeEndpoint {
	if r.AnvilInstances == nil {
		return nil
	}
	ep, ok := r.AnvilInstances[nodeID]
	if !ok {
		return nil
	}
	return &ep
}

const externalIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewExternalID generates the unguessable public handle for an instance.
// It draws from a cryptographic RNG; uniqueness is still enforced by the
// store's secondary index on insert.
func NewExternalID() string {
	buf := make([]byte, ExternalIDLength)
	max := big.NewInt(int64(len(externalIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the platform RNG is broken.
			panic(err)
		}
		buf[i] = externalIDAlphabet[n.Int64()]
	}
	return string(buf)
}

// AccountCount returns the effective number of funded accounts.
func (s *LaunchNodeSpec) AccountCount() int {
	if s.Accounts > 0 {
		return s.Accounts
	}
	return DefaultAccounts
}

// BalanceEther returns the effective per-account balance in whole ether.
func (s *LaunchNodeSpec) BalanceEther() int {
	if s.Balance > 0 {
		return s.Balance
	}
	return DefaultBalance
}

// EffectiveMnemonic returns the mnemonic accounts are derived from.
func (s *LaunchNodeSpec) EffectiveMnemonic() string {
	if s.Mnemonic != "" {
		return s.Mnemonic
	}
	return DefaultMnemonic
}

// EffectiveDerivationPath returns the BIP-32 path prefix accounts are
// derived under. The account index is appended to it.
func (s *LaunchNodeSpec) EffectiveDerivationPath() string {
	if s.DerivationPath != "" {
		return s.DerivationPath
	}
	return DefaultDerivationPath
}
