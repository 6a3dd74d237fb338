package main

import (
	"log"

	"p2pmarket/services/marketd"
)

func main() {
	if err := marketd.Main(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}
