//go:build !linux

package capture

func open(Config) (Handle, error) {
	return nil, ErrUnsupported
}
