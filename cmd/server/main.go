package main

import (
	"log"

	"github.com/forkful/forkful-billing-api/cmd/api"
)

func main() {
	if err := api.Run(); err != nil {
		log.Fatal(err)
	}
}
