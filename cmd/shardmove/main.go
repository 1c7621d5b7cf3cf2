package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Migrate      MigrateCmd      `cmd:"" help:"Move one shard to a new location."`
	AbortBefore  AbortBeforeCmd  `cmd:"abort-before-delete" help:"Recover a migration that failed before the delete phase."`
	ResumeDelete ResumeDeleteCmd `cmd:"resume-during-delete" help:"Resume a migration that failed during the delete phase."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
