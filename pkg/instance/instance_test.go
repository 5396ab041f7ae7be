package instance

import (
	"strings"
	"testing"
	"time"
)

func TestNewExternalID(t *testing.T) {
	id := NewExternalID()
	if len(id) != ExternalIDLength {
		t.Errorf("len = %d, want %d", len(id), ExternalIDLength)
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			t.Errorf("external id contains non-alphabetic character %q", c)
		}
	}
}

func TestNewExternalIDDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewExternalID()
		if seen[id] {
			t.Fatalf("duplicate external id %q", id)
		}
		seen[id] = true
	}
}

func TestLaunchNodeSpecDefaults(t *testing.T) {
	var spec LaunchNodeSpec

	if got := spec.AccountCount(); got != DefaultAccounts {
		t.Errorf("AccountCount() = %d, want %d", got, DefaultAccounts)
	}
	if got := spec.BalanceEther(); got != DefaultBalance {
		t.Errorf("BalanceEther() = %d, want %d", got, DefaultBalance)
	}
	if got := spec.EffectiveMnemonic(); got != DefaultMnemonic {
		t.Errorf("EffectiveMnemonic() = %q, want default", got)
	}
	if got := spec.EffectiveDerivationPath(); got != DefaultDerivationPath {
		t.Errorf("EffectiveDerivationPath() = %q, want default", got)
	}
}

func TestLaunchNodeSpecOverrides(t *testing.T) {
	spec := LaunchNodeSpec{
		Accounts:       10,
		Balance:        5,
		Mnemonic:       "legal winner thank year wave sausage worth useful legal winner thank yellow",
		DerivationPath: "m/44'/60'/1'/",
	}

	if got := spec.AccountCount(); got != 10 {
		t.Errorf("AccountCount() = %d, want 10", got)
	}
	if got := spec.BalanceEther(); got != 5 {
		t.Errorf("BalanceEther() = %d, want 5", got)
	}
	if got := spec.EffectiveMnemonic(); got != spec.Mnemonic {
		t.Errorf("EffectiveMnemonic() = %q", got)
	}
	if got := spec.EffectiveDerivationPath(); got != "m/44'/60'/1'/" {
		t.Errorf("EffectiveDerivationPath() = %q", got)
	}
}

func TestNodeArgs(t *testing.T) {
	spec := LaunchNodeSpec{Accounts: 3, Balance: 100, ForkURL: "https://example.com/rpc"}
	args := NodeArgs(spec)

	want := map[string]string{
		"--host":            "0.0.0.0",
		"--port":            "8545",
		"--accounts":        "3",
		"--balance":         "100",
		"--mnemonic":        DefaultMnemonic,
		"--derivation-path": DefaultDerivationPath,
		"--fork-url":        "https://example.com/rpc",
	}
	for flag, value := range want {
		found := false
		for i := 0; i < len(args)-1; i++ {
			if args[i] == flag && args[i+1] == value {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("args missing %s %s; args = %v", flag, value, args)
		}
	}
}

func TestNodeArgsNoForkURL(t *testing.T) {
	args := NodeArgs(LaunchNodeSpec{})
	for _, a := range args {
		if a == "--fork-url" {
			t.Error("args should not contain --fork-url when unset")
		}
	}
}

func TestNodeCommand(t *testing.T) {
	cmd := NodeCommand(LaunchNodeSpec{})

	if !strings.HasPrefix(cmd, "while true; do anvil ") {
		t.Errorf("command missing supervisor loop prefix: %q", cmd)
	}
	if !strings.HasSuffix(cmd, "; sleep 1; done;") {
		t.Errorf("command missing supervisor loop suffix: %q", cmd)
	}
	// The mnemonic contains spaces and must arrive as a single argv entry.
	if !strings.Contains(cmd, "'"+DefaultMnemonic+"'") {
		t.Errorf("mnemonic not quoted in command: %q", cmd)
	}
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	rec := &Record{ExpiresAt: float64(now.Unix()) + 60}
	if rec.Expired(now) {
		t.Error("record expiring in 60s should not be expired")
	}

	rec.ExpiresAt = float64(now.Unix()) - 1
	if !rec.Expired(now) {
		t.Error("record with past expires_at should be expired")
	}
}

func TestRecordNode(t *testing.T) {
	rec := &Record{
		AnvilInstances: map[string]NodeEndpoint{
			"main": {ID: "main", IP: "10.0.0.2", Port: 8545},
		},
	}

	if node := rec.Node("main"); node == nil || node.IP != "10.0.0.2" {
		t.Errorf("Node(main) = %+v", node)
	}
	if node := rec.Node("other"); node != nil {
		t.Errorf("Node(other) = %+v, want nil", node)
	}

	var empty Record
	if node := empty.Node("main"); node != nil {
		t.Errorf("Node on empty record = %+v, want nil", node)
	}
}
