// Package main is the sitewatch server and its maintenance commands.
//
// Usage:
//
//	sitewatch serve --config config.json
//	sitewatch migrate
//	sitewatch scan --report 3
package main

func main() {
	Execute()
}
