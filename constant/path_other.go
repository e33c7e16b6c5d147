//go:build !unix

package constant

var systemConfigDirectories []string
