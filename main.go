package main

import (
	"os"

	"github.com/pmkol/fwdcache/coremain"
	"github.com/pmkol/fwdcache/mlog"

	"go.uber.org/zap"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("fwdcache exited", zap.Error(err))
		os.Exit(1)
	}
}
