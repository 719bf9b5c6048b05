package main

import "embed"

// uiFiles embeds the single-page UI served at /.
//
//go:embed ui
var uiFiles embed.FS
