//go:build !cgo

package encode

// registerPlatformCodecs adds nothing: webp and heic encoders need cgo.
func registerPlatformCodecs(*Encoder) {}
