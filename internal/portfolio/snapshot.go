package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tradecore/internal/schema"
)

// SnapshotFile is a snapshot persisted with the event it was taken at.
type SnapshotFile struct {
	LastEventID uint64                   `json:"lastEventId"`
	LastEventTs int64                    `json:"lastEventTs"`
	Snapshot    schema.PortfolioSnapshot `json:"snapshot"`
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot SnapshotFile) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (SnapshotFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SnapshotFile{}, err
	}
	var snap SnapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return SnapshotFile{}, err
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same positions and
// balances. Marks are ignored since they depend on tick sampling.
func CompareSnapshots(expected, actual schema.PortfolioSnapshot) error {
	if !expected.Cash.Equal(actual.Cash) {
		return fmt.Errorf("snapshot cash mismatch: expected=%s actual=%s", expected.Cash, actual.Cash)
	}
	if !expected.FeesPaid.Equal(actual.FeesPaid) {
		return fmt.Errorf("snapshot fees mismatch: expected=%s actual=%s", expected.FeesPaid, actual.FeesPaid)
	}
	if !expected.RealizedPnL.Equal(actual.RealizedPnL) {
		return fmt.Errorf("snapshot realized mismatch: expected=%s actual=%s", expected.RealizedPnL, actual.RealizedPnL)
	}

	expectedMap := make(map[string]schema.PositionView, len(expected.Positions))
	for _, p := range expected.Positions {
		if !p.Quantity.IsZero() {
			expectedMap[p.Symbol] = p
		}
	}
	seen := 0
	for _, p := range actual.Positions {
		if p.Quantity.IsZero() {
			continue
		}
		want, ok := expectedMap[p.Symbol]
		if !ok {
			return fmt.Errorf("snapshot unexpected symbol: %s", p.Symbol)
		}
		if !want.Quantity.Equal(p.Quantity) {
			return fmt.Errorf("snapshot qty mismatch: symbol=%s expected=%s actual=%s", p.Symbol, want.Quantity, p.Quantity)
		}
		if !want.CostBasis.Equal(p.CostBasis) {
			return fmt.Errorf("snapshot cost mismatch: symbol=%s expected=%s actual=%s", p.Symbol, want.CostBasis, p.CostBasis)
		}
		if !want.AverageEntryPrice.Equal(p.AverageEntryPrice) {
			return fmt.Errorf("snapshot avg price mismatch: symbol=%s expected=%s actual=%s", p.Symbol, want.AverageEntryPrice, p.AverageEntryPrice)
		}
		seen++
	}
	if seen != len(expectedMap) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expectedMap), seen)
	}
	return nil
}
