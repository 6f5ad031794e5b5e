package memstore

import (
	"io"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

func (s *Store) Apply(seed orders.Seed) {
	for _, p := range seed.Products {
		s.PutProduct(p)
	}
	for user, items := range seed.Carts {
		s.PutCart(user, items)
	}
	for user, email := range seed.Users {
		s.PutUser(user, email)
	}
}

func (s *Store) Load(r io.Reader) error {
	seed, err := orders.DecodeSeed(r)
	if err != nil {
		return err
	}
	s.Apply(seed)
	return nil
}
