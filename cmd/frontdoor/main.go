// Command frontdoor is a Caddy build that includes the frontdoor modules.
//
// Run the gateway behind it with:
//
//	frontdoor front-door --port 8080
//
// or use the frontdoor global option and directives from a Caddyfile.
package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"
	_ "github.com/tarasglek/frontdoor"
)

func main() {
	caddycmd.Main()
}
