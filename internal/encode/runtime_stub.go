//go:build !govips || !cgo

package encode

const VipsEnabled = false

func Startup(RuntimeConfig) error {
	return nil
}

func Shutdown() {}
