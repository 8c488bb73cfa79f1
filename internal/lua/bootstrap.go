package lua

import _ "embed"

const bootstrapName = "core.lua"

//go:embed core.lua
var bootstrap string
