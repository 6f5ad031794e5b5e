package orders

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Seed is the JSON document used to populate a store for local runs.
type Seed struct {
	Products []Product             `json:"products"`
	Carts    map[string][]CartItem `json:"carts"`
	Users    map[string]string     `json:"users"` // user id -> email
}

func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range s.Products {
		if p.ID == "" || p.Stock < 0 || p.ReservedStock < 0 || p.ReservedStock > p.Stock || p.PriceCents < 0 {
			return Seed{}, fmt.Errorf("%w: seed product %q", ErrInvalidInput, p.ID)
		}
	}
	return s, nil
}

func ReadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer f.Close()
	return DecodeSeed(f)
}
