//go:build !debug

package lock

const debugAssertions = false
