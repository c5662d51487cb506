package main

import (
	"log"

	cdpd "stablecore/services/cdpd"
)

func main() {
	if err := cdpd.Main(); err != nil {
		log.Fatalf("cdpd: %v", err)
	}
}
