//go:build !amd64 && !arm64

package arch

func detect() Generation {
	return Generic
}
