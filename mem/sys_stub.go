//go:build !(linux || darwin || freebsd)

package mem

// NewSysProvider falls back to the Go heap on platforms without anonymous
// mappings. Guard pages are not available there.
func NewSysProvider(guard bool) Provider {
	return &HeapProvider{}
}
