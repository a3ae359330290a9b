package perps

import "sync"

// AssetConfig is the per-asset configuration the engine reads through
// the AssetRegistry interface.
type AssetConfig struct {
	LotNumerator   int64
	LotDenominator int64
	MarketOpen     bool
	HalfSpread     int64 // x1e6 fraction of price
	FundingRate    int64 // signed x1e6 price units per funding interval
}

// StaticRegistry is an in-process AssetRegistry backed by a map.
// Mutations are restricted to the owner role.
type StaticRegistry struct {
	mu     sync.RWMutex
	assets map[uint32]AssetConfig
	roles  *RoleTable
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry(roles *RoleTable) *StaticRegistry {
	return &StaticRegistry{
		assets: make(map[uint32]AssetConfig),
		roles:  roles,
	}
}

// ListAsset adds or replaces an asset's configuration. Owner only.
func (r *StaticRegistry) ListAsset(caller string, asset uint32, cfg AssetConfig) error {
	if err := r.roles.Check(RoleOwner, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[asset] = cfg
	return nil
}

// SetMarketOpen flips an asset's market-open flag. Owner only.
func (r *StaticRegistry) SetMarketOpen(caller string, asset uint32, open bool) error {
	if err := r.roles.Check(RoleOwner, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.assets[asset]
	if !ok {
		return ErrUnknownAsset
	}
	cfg.MarketOpen = open
	r.assets[asset] = cfg
	return nil
}

func (r *StaticRegistry) get(asset uint32) (AssetConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.assets[asset]
	if !ok {
		return AssetConfig{}, ErrUnknownAsset
	}
	return cfg, nil
}

// Lot implements AssetRegistry.
func (r *StaticRegistry) Lot(asset uint32) (int64, int64, error) {
	cfg, err := r.get(asset)
	if err != nil {
		return 0, 0, err
	}
	return cfg.LotNumerator, cfg.LotDenominator, nil
}

// IsMarketOpen implements AssetRegistry.
func (r *StaticRegistry) IsMarketOpen(asset uint32) (bool, error) {
	cfg, err := r.get(asset)
	if err != nil {
		return false, err
	}
	return cfg.MarketOpen, nil
}

// HalfSpread implements AssetRegistry.
func (r *StaticRegistry) HalfSpread(asset uint32) (int64, error) {
	cfg, err := r.get(asset)
	if err != nil {
		return 0, err
	}
	return cfg.HalfSpread, nil
}

// FundingRate implements AssetRegistry.
func (r *StaticRegistry) FundingRate(asset uint32) (int64, error) {
	cfg, err := r.get(asset)
	if err != nil {
		return 0, err
	}
	return cfg.FundingRate, nil
}
