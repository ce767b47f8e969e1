//go:build !linux && !darwin

package logger

func isTerminal(uintptr) bool { return false }
