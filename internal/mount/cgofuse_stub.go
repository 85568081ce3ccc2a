//go:build !cgo || !cgofuse

package mount

import "github.com/pkg/errors"

// ErrCgoFuseUnavailable is returned when the cgofuse backend was not compiled in.
var ErrCgoFuseUnavailable = errors.New("cgofuse backend not available: build with cgo and -tags cgofuse")

func newCgoFuseBackend(adapter *Adapter, cfg Config) (Backend, error) {
	return nil, ErrCgoFuseUnavailable
}
