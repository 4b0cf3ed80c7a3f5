/*
Package frontdoor provides Caddy modules that keep a single gateway backend
running and serve it on a public port.

The "frontdoor" app launches the backend on a loopback port and restarts it
after a fixed delay whenever it crashes. The frontdoor_health handler reports
whether the backend is alive, and frontdoor_relay forwards every other
request to it, answering 502 with a JSON body while the backend is down.
*/
package frontdoor
