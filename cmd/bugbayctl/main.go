package main

import (
	"log"

	"github.com/bugbay/bugbay/cmd/bugbayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
