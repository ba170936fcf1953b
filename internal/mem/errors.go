package mem

import "errors"

var (
	ErrAlreadyMapped = errors.New("mem: address already mapped")
	ErrNotMapped     = errors.New("mem: address not mapped")
	ErrExhausted     = errors.New("mem: address space exhausted")
)
