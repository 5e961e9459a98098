package data

import "embed"

var (
	//go:embed a402.yaml
	Config embed.FS
)
