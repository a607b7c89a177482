package storage

import (
	"errors"
	"fmt"
)

// PersistErr wraps a backend failure with the ErrPersistence sentinel and
// operation context.
func PersistErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrPersistence, err))
}
