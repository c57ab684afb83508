package common

import "fmt"

// These variables are injected at build time using -ldflags
var (
	SUMMARY = "development"
	BRANCH  = "unknown"
	VERSION = "dev"
	COMMIT  = "unknown"
)

const (
	// DefaultName is the manufacturer and fallback title used for devices and entities.
	DefaultName = "BlueIris"
	// Domain prefixes unique ids and identifiers.
	Domain = "blueiris"
)

func GetVersion() string {
	if VERSION == "dev" {
		return "1.0.0-dev"
	}
	return VERSION
}

// UserAgent is sent with every request to the Blue Iris server.
func UserAgent() string {
	return fmt.Sprintf("ha-blueiris/%s (%s)", GetVersion(), COMMIT)
}
