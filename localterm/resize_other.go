//go:build !unix

package localterm

func notifyResize(func()) func() {
	return func() {}
}
