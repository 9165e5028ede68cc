//go:build !unix

package main

import "runtime"

func banner() string { return runtime.GOOS + " " + runtime.GOARCH }
