package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Units prices are quoted in.
const (
	UnitTael = "tael"
	UnitMace = "mace"
)

// MacePerTael converts a per-tael price into a per-mace price.
const MacePerTael = 10

// Snapshot is one normalized price observation. The store keeps at most one
// row per (Retailer, Province, Product, CreatedAt).
type Snapshot struct {
	ID           int64     `json:"id,omitempty"`
	Retailer     string    `json:"retailer"`
	Province     string    `json:"province"`
	Product      string    `json:"product"`
	BuyPrice     float64   `json:"buyPrice"`
	SellPrice    float64   `json:"sellPrice"`
	Unit         string    `json:"unit"`
	CreatedAt    time.Time `json:"createdAt"`
	SourceJobID  string    `json:"sourceJobId,omitempty"`
	IsBackfilled bool      `json:"isBackfilled"`
}

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid snapshot")

// Validate checks that s identifies a retailer, province, product and day
// and carries at least one non-negative price.
func (s Snapshot) Validate() error {
	switch {
	case s.Retailer == "":
		return fmt.Errorf("%w: missing retailer", ErrInvalid)
	case s.Province == "":
		return fmt.Errorf("%w: missing province", ErrInvalid)
	case s.Product == "":
		return fmt.Errorf("%w: missing product", ErrInvalid)
	case s.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing date", ErrInvalid)
	case s.BuyPrice < 0 || s.SellPrice < 0:
		return fmt.Errorf("%w: negative price", ErrInvalid)
	case s.BuyPrice == 0 && s.SellPrice == 0:
		return fmt.Errorf("%w: no price", ErrInvalid)
	}
	return nil
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	Retailer    string
	Province    string
	Product     string
	SourceJobID string
	From, To    time.Time
	Limit       int
}

type Repository interface {
	// InsertIgnoringDuplicates writes snapshots and returns the number of new
	// rows. A uniqueness conflict on the snapshot key is not an error; any
	// other failure aborts the whole call.
	InsertIgnoringDuplicates(ctx context.Context, snapshots []Snapshot) (int64, error)
	List(ctx context.Context, f Filter) ([]Snapshot, error)
}
