package main

import (
	"flag"

	"github.com/creachadair/flax"
)

// globalFlags are bound onto the root command's flag.FlagSet via flax,
// mirroring the teacher's own command+flax CLI surface.
type globalFlags struct {
	ConfigFile        string `flag:"config-file,default=s3cacheproxy.toml,Path to the TOML configuration file"`
	GenerateIfMissing bool   `flag:"generate-if-missing,Write a default configuration file if config-file does not exist"`
	Regenerate        bool   `flag:"regenerate,Overwrite config-file with a fresh default configuration"`
}

func bindGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{ConfigFile: "s3cacheproxy.toml"}
	flax.MustBind(fs, g)
	return g
}
