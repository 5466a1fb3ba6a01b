//go:build !linux

package rt

func lockMemory() error {
	return ErrUnsupported
}

func setNice(int) error {
	return ErrUnsupported
}

func setAffinity(int) error {
	return ErrUnsupported
}
