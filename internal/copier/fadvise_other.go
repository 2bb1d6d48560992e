//go:build !linux

package copier

func adviseSequential(obj any, fd int) {}

func adviseDontNeed(obj any, fd int, offset, length int64) {}
