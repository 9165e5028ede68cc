//go:build !amd64 && !arm64

package cpuid

func newHostProber() Prober {
	return unsupportedHost{}
}
