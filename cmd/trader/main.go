package main

import (
	"os"

	"github.com/yanun0323/logs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}
