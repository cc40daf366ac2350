package main

import _ "embed"

// embeddedConfig holds the YAML configuration embedded at build time.
// Packagers may overwrite resmon.yaml with distribution defaults before
// compiling.
//
//go:embed resmon.yaml
var embeddedConfig []byte
