package main

import (
	"log"

	"github.com/reeehaan/online-event-ticket-booking-system-sub001/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
