//go:build !govips || !cgo

package transform

// DefaultSurface is the surface the binaries use. Without govips it is the
// standard surface.
func DefaultSurface(maxSide int) Surface {
	return NewStandardSurface(maxSide)
}
