package factory

import (
	"errors"

	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// Stores are the KVS namespaces the proxy uses.
type Stores struct {
	Identity  kvs.Store
	Session   kvs.Store
	Flow      kvs.Store
	Ticket    kvs.Store
	RateLimit kvs.Store

	// backends are the opened stores, closed by Close
	backends []kvs.Store
}

// Close closes every backend.
func (s *Stores) Close() error {
	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.backends = nil
	return errors.Join(errs...)
}
