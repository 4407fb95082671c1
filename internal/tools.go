//go:build tools
// +build tools

// Package tools declares Go tool dependencies so `go mod tidy` keeps them
// in go.sum without them being importable from non-tool code.
package tools

import (
	_ "golang.org/x/lint/golint"
)
