package appidentityassets

import _ "embed"

// YAML is the embedded app identity used when no `.fulmen/app.yaml` is found
// next to the binary.
//
//go:embed app.yaml
var YAML []byte
