//go:build unix

package constant

var systemConfigDirectories = []string{
	"/etc",
	"/usr/local/etc",
}
