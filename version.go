package main

import (
	"fmt"
	"runtime"

	"github.com/offline-hub/offline-hub/internal/version"
)

// printVersion 输出版本、回源 User-Agent 与构建所用的 Go 版本，排查回源问题时需要后两项。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "user-agent: %s\n", version.UserAgent())
	fmt.Fprintf(stdOut, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
