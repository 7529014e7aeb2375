package lending

// Config captures the runtime configuration for the lender offer book.
type Config struct {
	// MaxRateBps caps the annual rate a lender may quote.
	MaxRateBps uint64 `toml:"MaxRateBps"`
	// MaxOffersPerEscrow bounds the offers a single escrow may accumulate.
	MaxOffersPerEscrow int `toml:"MaxOffersPerEscrow"`
}

// DefaultConfig returns the standard book limits.
func DefaultConfig() Config {
	return Config{
		MaxRateBps:         5_000,
		MaxOffersPerEscrow: 64,
	}
}
