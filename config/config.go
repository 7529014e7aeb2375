package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	escrowcommon "escrowledger/native/common"
	"escrowledger/native/guarantor"
	"escrowledger/native/insurance"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
	"escrowledger/storage"
)

// Config is the escrowd configuration file.
type Config struct {
	DataDir   string           `toml:"DataDir"`
	Escrow    Escrow           `toml:"escrow"`
	Guarantor Guarantor        `toml:"guarantor"`
	Lending   lending.Config   `toml:"lending"`
	Insurance insurance.Config `toml:"insurance"`
	Gateway   Gateway          `toml:"gateway"`
	Log       Log              `toml:"log"`
	Telemetry Telemetry        `toml:"telemetry"`
	Storage   Storage          `toml:"storage"`
	Ledger    Ledger           `toml:"ledger"`
}

// Default returns a configuration suitable for a single local node.
func Default() *Config {
	return &Config{
		DataDir: "./escrow-data",
		Escrow: Escrow{
			Vault:            hexAddress(ledger.ModuleAddress(ledger.EscrowVaultModule)),
			StakeVault:       hexAddress(ledger.ModuleAddress(ledger.GuarantorStakeModule)),
			RewardReserve:    hexAddress(ledger.ModuleAddress(ledger.GuarantorRewardModule)),
			InsuranceReserve: hexAddress(ledger.ModuleAddress(ledger.InsuranceReserveModule)),
			Quota:            escrowcommon.Quota{},
		},
		Guarantor: guarantorFromPolicy(guarantor.DefaultPolicy()),
		Lending:   lending.DefaultConfig(),
		Insurance: insurance.DefaultConfig(),
		Gateway: Gateway{
			ListenAddress:       ":8088",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
			IdleTimeoutSeconds:  60,
			JWTSecretEnv:        "ESCROWD_JWT_SECRET",
			Issuer:              "escrowd",
			ClockSkewSeconds:    30,
			AllowedOrigins:      []string{},
			RateLimits: map[string]RateLimit{
				"escrows":    {RatePerSecond: 20, Burst: 40},
				"guarantors": {RatePerSecond: 10, Burst: 20},
				"lending":    {RatePerSecond: 10, Burst: 20},
			},
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Telemetry: Telemetry{
			ServiceName: "escrowd",
			Endpoint:    "localhost:4318",
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		},
		Storage: Storage{
			Backend:     storage.BackendLevelDB,
			SnapshotDir: "snapshots",
			AuditDB:     "audit.db",
		},
		Ledger: Ledger{Balances: map[string]string{}},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Fields absent from an existing file keep their defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// normalize trims strings and resolves relative storage paths against the
// data directory, which is itself resolved against the config file.
func (c *Config) normalize(path string) {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(path), c.DataDir)
	}
	c.Storage.SnapshotDir = c.resolve(strings.TrimSpace(c.Storage.SnapshotDir))
	if db := strings.TrimSpace(c.Storage.AuditDB); db != ":memory:" {
		c.Storage.AuditDB = c.resolve(db)
	}
	for _, file := range []*string{&c.Gateway.TLSCertFile, &c.Gateway.TLSKeyFile} {
		*file = strings.TrimSpace(*file)
		if *file != "" && !filepath.IsAbs(*file) {
			*file = filepath.Join(filepath.Dir(path), *file)
		}
	}
	if c.Gateway.AllowedOrigins == nil {
		c.Gateway.AllowedOrigins = []string{}
	}
	if c.Gateway.RateLimits == nil {
		c.Gateway.RateLimits = map[string]RateLimit{}
	}
	if c.Ledger.Balances == nil {
		c.Ledger.Balances = map[string]string{}
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Addresses holds the parsed module accounts of the escrow section.
type Addresses struct {
	Vault            [20]byte
	StakeVault       [20]byte
	RewardReserve    [20]byte
	InsuranceReserve [20]byte
	Admin            [20]byte
}

// Addresses parses the module account addresses. Admin is optional.
func (e Escrow) Addresses() (Addresses, error) {
	var out Addresses
	fields := []struct {
		name     string
		value    string
		dst      *[20]byte
		optional bool
	}{
		{"Vault", e.Vault, &out.Vault, false},
		{"StakeVault", e.StakeVault, &out.StakeVault, false},
		{"RewardReserve", e.RewardReserve, &out.RewardReserve, false},
		{"InsuranceReserve", e.InsuranceReserve, &out.InsuranceReserve, false},
		{"Admin", e.Admin, &out.Admin, true},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.value)
		if raw == "" && f.optional {
			continue
		}
		if !common.IsHexAddress(raw) {
			return Addresses{}, fmt.Errorf("escrow: %s %q is not a hex address", f.name, f.value)
		}
		*f.dst = common.HexToAddress(raw)
	}
	return out, nil
}

func hexAddress(addr [20]byte) string {
	return common.Address(addr).Hex()
}

// Credit is one starting balance.
type Credit struct {
	Address [20]byte
	Amount  *big.Int
}

// Genesis is the parsed ledger section.
type Genesis struct {
	Credits              []Credit
	RewardReserveFunder  [20]byte
	RewardReserveFunding *big.Int
}

// Genesis parses the starting balances, ordered by address, and the reward
// reserve funding. A nil RewardReserveFunding means the reserve starts empty.
func (l Ledger) Genesis() (Genesis, error) {
	var out Genesis
	seen := make(map[[20]byte]struct{}, len(l.Balances))
	for raw, value := range l.Balances {
		trimmed := strings.TrimSpace(raw)
		if !common.IsHexAddress(trimmed) {
			return Genesis{}, fmt.Errorf("ledger: balance address %q is not a hex address", raw)
		}
		addr := [20]byte(common.HexToAddress(trimmed))
		if _, dup := seen[addr]; dup {
			return Genesis{}, fmt.Errorf("ledger: duplicate balance for %s", hexAddress(addr))
		}
		seen[addr] = struct{}{}
		amount, err := parseAmount(value)
		if err != nil {
			return Genesis{}, fmt.Errorf("ledger: balance for %s: %w", hexAddress(addr), err)
		}
		out.Credits = append(out.Credits, Credit{Address: addr, Amount: amount})
	}
	sort.Slice(out.Credits, func(i, j int) bool {
		return bytes.Compare(out.Credits[i].Address[:], out.Credits[j].Address[:]) < 0
	})

	if strings.TrimSpace(l.RewardReserveFunding) == "" {
		return out, nil
	}
	funding, err := parseAmount(l.RewardReserveFunding)
	if err != nil {
		return Genesis{}, fmt.Errorf("ledger: RewardReserveFunding: %w", err)
	}
	funder := strings.TrimSpace(l.RewardReserveFunder)
	if !common.IsHexAddress(funder) {
		return Genesis{}, fmt.Errorf("ledger: RewardReserveFunder %q is not a hex address", l.RewardReserveFunder)
	}
	out.RewardReserveFunder = common.HexToAddress(funder)
	out.RewardReserveFunding = funding
	var held *big.Int
	for _, credit := range out.Credits {
		if credit.Address == out.RewardReserveFunder {
			held = credit.Amount
		}
	}
	if held == nil || held.Cmp(funding) < 0 {
		return Genesis{}, fmt.Errorf("ledger: RewardReserveFunder balance does not cover RewardReserveFunding")
	}
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}
