//go:build !cgo

package libfabric

import (
	"fmt"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

// ProviderName identifies the native provider in logs and reports.
const ProviderName = "libfabric"

// Provider is unavailable without cgo.
type Provider struct{}

// New reports that the native provider requires cgo.
func New() (*Provider, error) {
	return nil, fmt.Errorf("libfabric: built without cgo: %w", fabric.ErrUnsupported)
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) RuntimeVersion() string { return "" }

func (p *Provider) GetInfo(fabric.Hints) (fabric.Info, error) {
	return nil, fabric.ErrUnsupported
}

func (p *Provider) OpenFabric(fabric.Info) (fabric.Fabric, error) {
	return nil, fabric.ErrUnsupported
}
