//go:build windows

package ipc

import "regexp"

var pipeNamePattern = regexp.MustCompile(`(?i)^\\\\\.\\pipe\\tabterm-[a-z0-9._-]{1,128}$`)

const defaultPipePrefix = `\\.\pipe\tabterm-`

func defaultAddress(user string) string {
	return defaultPipePrefix + user
}

func validAddress(value string) bool {
	return pipeNamePattern.MatchString(value)
}
